package controlplane

import "errors"

// Sentinel errors for control plane operations.
var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidTask   = errors.New("invalid task")
	ErrChainNotFound = errors.New("chain not found")
	ErrBusy          = errors.New("too many queued chains")
	ErrNoQueue       = errors.New("no queue attached")
)
