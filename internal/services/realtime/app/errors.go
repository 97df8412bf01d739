package app

import "errors"

var (
	// ErrAccessDenied indicates the user is not a participant or otherwise
	// not permitted to act on the conversation.
	ErrAccessDenied = errors.New("access denied")
	// ErrForbidden indicates the user may not act on the message.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates rejected input.
	ErrValidation = errors.New("validation failed")
	// ErrExpired indicates the edit window has passed.
	ErrExpired = errors.New("edit window expired")
	// ErrDeleted indicates the message is tombstoned.
	ErrDeleted = errors.New("message is deleted")
	// ErrNotFound indicates the conversation, message, or connection is absent.
	ErrNotFound = errors.New("not found")
	// ErrNotConnected indicates the acting user has no live session.
	ErrNotConnected = errors.New("user is not connected")
)
