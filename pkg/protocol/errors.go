package protocol

import "errors"

var (
	// ErrUnregisteredType is returned when serializing a Go type that was
	// never registered. It is a programming error.
	ErrUnregisteredType = errors.New("message type not registered")
	// ErrUnknownType is returned when parsing a payload whose type id is not
	// registered. Callers may forward the payload opaquely instead.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformedPayload marks a payload that cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	ErrInvalidTypeID    = errors.New("invalid message type id")
	ErrFrameTooLarge    = errors.New("frame too large")
	ErrDatagramTooLarge = errors.New("datagram too large")
	// ErrHandlerPanic wraps a panic recovered from a message handler.
	ErrHandlerPanic = errors.New("handler panicked")
)
