package wire

import "errors"

// Sentinel errors for wire encoding and decoding.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrUnknownMessageType indicates an envelope tag outside the closed
	// variant set.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrVersionMismatch indicates a message carrying an unsupported
	// protocol version.
	ErrVersionMismatch = errors.New("unsupported protocol version")

	// ErrMalformedMessage indicates a payload that failed strict canonical
	// CBOR decoding.
	ErrMalformedMessage = errors.New("malformed message")
)
