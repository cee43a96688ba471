package core

import "errors"

var (
	// ErrSessionNotOpen is returned when a close targets a session that is
	// missing or already closed.
	ErrSessionNotOpen = errors.New("session is not open")

	// ErrOpenSessionExists is returned when opening a session for a branch
	// that already has one open.
	ErrOpenSessionExists = errors.New("an open session already exists for this branch")
)
