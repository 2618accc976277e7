package db

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrAlreadyProcessed  = errors.New("event already processed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOwnerIDRequired   = errors.New("owner_id is required")
	ErrUnknownPriority   = errors.New("unknown priority")
)
