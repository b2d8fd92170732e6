package subscription

import "errors"

var (
	// ErrMalformedResponse reports a response missing a required field.
	ErrMalformedResponse = errors.New("malformed stream response")
	// ErrUnknownResponse reports a listen response of an unknown kind.
	ErrUnknownResponse = errors.New("unknown listen response")
	// ErrUnsupportedTargetChange reports an unknown target change type.
	ErrUnsupportedTargetChange = errors.New("unsupported target change type")
	// ErrTargetRemoved is raised as a warning when the server removes the
	// listen target. The stream is restarted.
	ErrTargetRemoved = errors.New("listen target removed by server")
	// ErrStreamClosed is raised as a warning when the server ends a listen
	// stream.
	ErrStreamClosed = errors.New("listen stream closed by server")
	ErrUnknownEvent = errors.New("unknown event type")
	ErrClosed       = errors.New("collection closed")
)
