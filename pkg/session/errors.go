package session

import "errors"

var (
	ErrSessionArchived = errors.New("session archived")
	// ErrSessionPaused marks a paused session in status output; Send queues
	// instead of returning it.
	ErrSessionPaused = errors.New("session paused")
	ErrEmptyMessage  = errors.New("empty message")
)
