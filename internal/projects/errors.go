package projects

import "errors"

var (
	ErrNotFound  = errors.New("project not found")
	ErrForbidden = errors.New("project not owned by caller")
	ErrNotActive = errors.New("project is not active")
)
