package models

import "errors"

var (
	// ErrNoDiscussion is returned when an operation needs an active discussion and none was started.
	ErrNoDiscussion = errors.New("no active discussion")

	// ErrDuplicateMessage is returned when a message id is already part of the discussion.
	ErrDuplicateMessage = errors.New("duplicate message id")

	// ErrInvalidMessage is returned for messages missing an id, an author or content.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrCollaboratorUnavailable wraps every failure of an external collaborator
	// (embedding provider, text generator). Callers may retry.
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")

	// ErrInconsistentState is reported when a cluster references a message that does not exist.
	ErrInconsistentState = errors.New("inconsistent discussion state")
)
