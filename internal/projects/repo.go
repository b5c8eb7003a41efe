package projects

import "context"

// Repo defines persistence operations for projects.
type Repo interface {
	Create(ctx context.Context, project Project) error
	GetByID(ctx context.Context, projectID string) (Project, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Project, error)
	UpdateStatus(ctx context.Context, userID, projectID, status string) error
}

// Authorize returns the project if it is active and owned by userID.
// It is the access check every pipeline entry point performs first.
func Authorize(ctx context.Context, repo Repo, userID, projectID string) (Project, error) {
	project, err := repo.GetByID(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	if project.UserID != userID {
		return Project{}, ErrForbidden
	}
	if project.Status != StatusActive {
		return Project{}, ErrNotActive
	}
	return project, nil
}
