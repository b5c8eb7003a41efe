package projects

import "time"

// Levels a project can be classified at. The level decides which analysis
// kinds are applicable.
const (
	LevelFoundation   = "foundation"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
)

// Project statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusAbandoned = "abandoned"
)

// Project is a user-owned study project that groups text chunks.
type Project struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Level     string    `json:"level"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ValidLevel reports whether level is a known classification level.
func ValidLevel(level string) bool {
	switch level {
	case LevelFoundation, LevelIntermediate, LevelAdvanced:
		return true
	}
	return false
}
