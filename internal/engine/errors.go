package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalid            = errors.New("invalid input")
	ErrTaskNotFound       = errors.New("task not found")
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrWorkspaceNotFound  = errors.New("workspace not found")
	ErrNoWorkspace        = errors.New("no active workspace")
)

// ForbiddenError indicates the current user lacks a team permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}
