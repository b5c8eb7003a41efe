package usage

import (
	"context"
	"sync"
)

// MemoryPlanRepo stores per-user daily limits in memory.
type MemoryPlanRepo struct {
	mu     sync.RWMutex
	limits map[string]int
}

// NewMemoryPlanRepo constructs a MemoryPlanRepo.
func NewMemoryPlanRepo() *MemoryPlanRepo {
	return &MemoryPlanRepo{limits: make(map[string]int)}
}

// SetDailyLimit stores the limit for a user.
func (r *MemoryPlanRepo) SetDailyLimit(userID string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[userID] = limit
}

// DailyLimit returns the user's stored daily job limit.
func (r *MemoryPlanRepo) DailyLimit(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	limit, ok := r.limits[userID]
	if !ok {
		return 0, ErrNoPlan
	}
	return limit, nil
}

var _ PlanRepo = (*MemoryPlanRepo)(nil)
