package handshake

import "errors"

// Sentinel errors for handshake operations.
// These errors enable reliable error classification using errors.Is().
// Every one of them is fatal to the handshake attempt: no session state is
// created on any failure path, and no silent downgrade ever happens.
var (
	// ErrSignatureMismatch indicates a device or identity signature that
	// failed verification.
	ErrSignatureMismatch = errors.New("handshake signature verification failed")

	// ErrUnsupportedVersion indicates a handshake message with a protocol
	// version this implementation does not speak.
	ErrUnsupportedVersion = errors.New("unsupported handshake version")

	// ErrDeviceNotActive indicates the remote device is not in the active
	// lifecycle state under the current registry view.
	ErrDeviceNotActive = errors.New("remote device is not active")

	// ErrIdentityMismatch indicates a device claiming an identity other
	// than the one it is registered under.
	ErrIdentityMismatch = errors.New("device is bound to a different identity")

	// ErrTranscriptMismatch indicates response fields that do not answer
	// the init they claim to.
	ErrTranscriptMismatch = errors.New("handshake transcript mismatch")

	// ErrKEMFailure indicates the post-quantum encapsulation or
	// decapsulation failed.
	ErrKEMFailure = errors.New("post-quantum key encapsulation failed")

	// ErrStaleResponse indicates a response that arrived after its
	// initiator state was discarded.
	ErrStaleResponse = errors.New("handshake response is stale")
)
