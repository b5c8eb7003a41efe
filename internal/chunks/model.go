package chunks

import "time"

// Chunk is one ordered fragment of a project's source text. Chunk text is
// produced upstream (imports, manual entry); the analysis pipeline treats it
// as read-only once a job references it.
type Chunk struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	Position   int       `json:"position"`
	Content    string    `json:"content"`
	ContentLen int       `json:"contentLen"`
	CreatedAt  time.Time `json:"createdAt"`
}
