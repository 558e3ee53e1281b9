package session

import (
	"errors"

	"classtrack/internal/face"
	"classtrack/internal/store"
)

// Admission and lifecycle failures. All are terminal for the single call;
// only the two transport errors are sensible to retry.
var (
	ErrInvalidConfig       = errors.New("invalid session config")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrWindowExpired       = errors.New("check-in window expired")
	ErrNotEnrolled         = errors.New("student not enrolled in class")
	ErrAlreadyMarked       = errors.New("attendance already marked")
	ErrIdentityMismatch    = errors.New("face does not belong to the authenticated student")
	ErrUnknownFace         = errors.New("face does not match any enrolled student")
	ErrActiveSessionExists = errors.New("class already has an active session")

	ErrStoreUnavailable   = store.ErrUnavailable
	ErrMatcherUnavailable = face.ErrUnavailable
)
