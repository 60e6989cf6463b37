package models

import "errors"

// Domain error conditions shared by the store, the graph engine and the HTTP layer.
var (
	ErrUnknownSession    = errors.New("unknown session")
	ErrRunExists         = errors.New("run already exists")
	ErrNotSuspended      = errors.New("run is not suspended")
	ErrRunBusy           = errors.New("run is being executed elsewhere")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrStepLimit         = errors.New("step limit reached")
	ErrTypeMismatch      = errors.New("table label type mismatch")
	ErrInvalidSignal     = errors.New("signal values must be -1, 0, 1 or missing")
	ErrUnknownCollection = errors.New("unknown collection")
	ErrInvalidRequest    = errors.New("invalid request")
)
