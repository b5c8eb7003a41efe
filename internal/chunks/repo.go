package chunks

import "context"

// Repo defines persistence operations for chunks.
//
// GetByIDs makes no ordering promise; bulk id-list reads from a store
// commonly return rows in storage order, so callers that care about the
// request sequence must re-order the result themselves.
type Repo interface {
	Create(ctx context.Context, chunk Chunk) error
	GetByID(ctx context.Context, chunkID string) (Chunk, error)
	GetByIDs(ctx context.Context, chunkIDs []string) ([]Chunk, error)
	ListByProject(ctx context.Context, projectID string) ([]Chunk, error)
}

// InRequestOrder re-assembles fetched chunks to match the caller-specified
// id sequence. Ids that resolved to no chunk are simply absent from the map.
func InRequestOrder(chunkIDs []string, fetched []Chunk) ([]Chunk, map[string]Chunk) {
	byID := make(map[string]Chunk, len(fetched))
	for _, ch := range fetched {
		byID[ch.ID] = ch
	}
	ordered := make([]Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if ch, ok := byID[id]; ok {
			ordered = append(ordered, ch)
		}
	}
	return ordered, byID
}
