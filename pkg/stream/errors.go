package stream

import "errors"

var (
	// ErrNoSession indicates a connect was attempted without a session id.
	ErrNoSession = errors.New("no session id")

	// ErrMaxReconnects indicates the reconnect attempt budget was exhausted
	// and the client entered StateFailed.
	ErrMaxReconnects = errors.New("max reconnect attempts exceeded")

	// ErrNotConnected indicates an outbound message was dropped because the
	// client had no open connection.
	ErrNotConnected = errors.New("not connected")

	// ErrMalformedEvent indicates an inbound frame failed envelope validation.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrTransport wraps dial and read failures on the underlying socket.
	ErrTransport = errors.New("stream transport error")
)
