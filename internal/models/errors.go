package models

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidID          = errors.New("invalid id")
	ErrValidation         = errors.New("validation error")
	ErrForbidden          = errors.New("forbidden")
	ErrConversationClosed = errors.New("conversation is closed")
	ErrTransientIO        = errors.New("store temporarily unavailable")
	ErrDuplicateTicket    = errors.New("duplicate ticket number")
	ErrConflict           = errors.New("conversation state changed")
)
