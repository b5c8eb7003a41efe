package projects

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo stores projects in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Project
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Project)}
}

// Create stores the project.
func (r *MemoryRepo) Create(ctx context.Context, project Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[project.ID] = project
	return nil
}

// GetByID returns a project by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, projectID string) (Project, error) {
	if err := ctx.Err(); err != nil {
		return Project{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	project, ok := r.byID[projectID]
	if !ok {
		return Project{}, ErrNotFound
	}
	return project, nil
}

// ListByUser returns projects for a user, newest first, with limit/offset.
func (r *MemoryRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	r.mu.RLock()
	var all []Project
	for _, p := range r.byID {
		if p.UserID == userID {
			all = append(all, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []Project{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// UpdateStatus updates the status of a project owned by userID.
func (r *MemoryRepo) UpdateStatus(ctx context.Context, userID, projectID, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	project, ok := r.byID[projectID]
	if !ok || project.UserID != userID {
		return ErrNotFound
	}
	project.Status = status
	project.UpdatedAt = time.Now().UTC()
	r.byID[projectID] = project
	return nil
}

var _ Repo = (*MemoryRepo)(nil)
