package chunks

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo stores chunks in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu   sync.RWMutex
	byID map[string]Chunk
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{byID: make(map[string]Chunk)}
}

// Create stores the chunk.
func (r *MemoryRepo) Create(ctx context.Context, chunk Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[chunk.ID] = chunk
	return nil
}

// GetByID returns a chunk by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, chunkID string) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	chunk, ok := r.byID[chunkID]
	if !ok {
		return Chunk{}, ErrNotFound
	}
	return chunk, nil
}

// GetByIDs returns the chunks matching the given ids. Like the pg repo it
// deliberately does not preserve the requested order.
func (r *MemoryRepo) GetByIDs(ctx context.Context, chunkIDs []string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Chunk
	for _, id := range chunkIDs {
		if ch, ok := r.byID[id]; ok {
			out = append(out, ch)
		}
	}
	// Simulate storage order to keep callers honest about re-ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByProject returns all chunks for a project ordered by position.
func (r *MemoryRepo) ListByProject(ctx context.Context, projectID string) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var out []Chunk
	for _, ch := range r.byID {
		if ch.ProjectID == projectID {
			out = append(out, ch)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

var _ Repo = (*MemoryRepo)(nil)
