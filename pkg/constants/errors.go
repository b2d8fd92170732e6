package constants

import "errors"

// Errors
var (
	ErrNoProjectID   = errors.New("project id not set")
	ErrNoQuery       = errors.New("structured query not set")
	ErrNoConverter   = errors.New("converter not set")
	ErrNoMarshaler   = errors.New("marshaler is not set")
	ErrNoUnmarshaler = errors.New("unmarshaler is not set")
	ErrClosed        = errors.New("already closed")

	ErrDuplicateCheckpoint = errors.New("checkpoint key already used by a live collection")
)
