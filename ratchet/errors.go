package ratchet

import "errors"

// Sentinel errors for ratchet operations.
// These errors enable reliable error classification using errors.Is().
//
// The integrity errors (ErrBackwardIndex, ErrDHReplay, ErrGapOverflow,
// ErrCacheOverflow, ErrRemoteRevoked) are fatal to the session: the state
// is destroyed and only a fresh handshake produces a new one. They are
// never retried on the same state.
var (
	// ErrSessionFailed indicates the session was already reset by a prior
	// integrity failure.
	ErrSessionFailed = errors.New("session has been reset")

	// ErrBackwardIndex indicates a message index behind the receive chain
	// with no cached skipped key, which is a replay or state regression.
	ErrBackwardIndex = errors.New("backward message index")

	// ErrDHReplay indicates an incoming ratchet step reusing a previously
	// seen DH public key.
	ErrDHReplay = errors.New("repeated ratchet DH key")

	// ErrGapOverflow indicates a message index gap beyond the configured
	// bound.
	ErrGapOverflow = errors.New("message index gap exceeds bound")

	// ErrCacheOverflow indicates the skipped-key cache cannot hold the
	// keys a gap requires.
	ErrCacheOverflow = errors.New("skipped-key cache exceeds bound")

	// ErrRemoteRevoked indicates the remote device was revoked.
	ErrRemoteRevoked = errors.New("remote device revoked")

	// ErrSessionMismatch indicates a message addressed to a different
	// session id.
	ErrSessionMismatch = errors.New("message session id mismatch")
)
