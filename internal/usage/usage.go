package usage

import (
	"context"
	"errors"
	"time"
)

// ErrNoPlan indicates the user has no stored plan row.
var ErrNoPlan = errors.New("no plan for user")

// Usage is a point-in-time view of a user's daily job allowance.
type Usage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// JobCounter is the slice of the job store quota enforcement needs.
type JobCounter interface {
	CountCreatedSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// PlanRepo resolves a user's daily job limit.
type PlanRepo interface {
	DailyLimit(ctx context.Context, userID string) (int, error)
}

// Service computes daily job-creation allowances. The window is the current
// UTC calendar day.
type Service struct {
	Jobs              JobCounter
	Plans             PlanRepo
	DefaultDailyLimit int
}

// Snapshot returns the user's current usage for today.
func (s *Service) Snapshot(ctx context.Context, userID string) (Usage, error) {
	dayStart := time.Now().UTC().Truncate(24 * time.Hour)
	used, err := s.Jobs.CountCreatedSince(ctx, userID, dayStart)
	if err != nil {
		return Usage{}, err
	}

	limit := s.DefaultDailyLimit
	if s.Plans != nil {
		planLimit, err := s.Plans.DailyLimit(ctx, userID)
		switch {
		case err == nil && planLimit > 0:
			limit = planLimit
		case err != nil && !errors.Is(err, ErrNoPlan):
			return Usage{}, err
		}
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{
		Used:      used,
		Limit:     limit,
		Remaining: remaining,
		ResetsAt:  dayStart.Add(24 * time.Hour),
	}, nil
}

// CanCreate reports whether the user may create n more jobs today.
func (s *Service) CanCreate(ctx context.Context, userID string, n int) (bool, Usage, error) {
	u, err := s.Snapshot(ctx, userID)
	if err != nil {
		return false, Usage{}, err
	}
	return n <= u.Remaining, u, nil
}
