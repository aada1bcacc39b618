package store

import "fmt"

// NotFoundError indicates the resource does not exist in the project.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// GoneError indicates the resource exists but is soft-deleted.
type GoneError struct {
	Resource string
	ID       string
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("%s is deleted: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// AlreadyExistsError indicates a duplicate-key violation on an explicit id.
type AlreadyExistsError struct {
	Resource string
	ID       string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}
