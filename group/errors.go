package group

import "errors"

// Sentinel errors for group epoch operations.
// These errors enable reliable error classification using errors.Is().
//
// Epoch integrity errors are fatal to accepting the offending epoch or
// message but locally recoverable through resync or fork reconciliation;
// they are never fatal to the process.
var (
	// ErrChainBreak indicates an EARE whose previous-epoch hash does not
	// match the accepted chain.
	ErrChainBreak = errors.New("epoch hash chain break")

	// ErrNoAdminSignature indicates an EARE without a valid signature
	// from an authorizing admin.
	ErrNoAdminSignature = errors.New("missing or invalid admin signature")

	// ErrSenderKeyPoisoning indicates a second, differing chain-root
	// distribution for the same (group, epoch, sender).
	ErrSenderKeyPoisoning = errors.New("sender key poisoning attempt")

	// ErrForwardGapExceeded indicates a per-sender index jump beyond the
	// configured forward gap bound.
	ErrForwardGapExceeded = errors.New("sender index gap exceeds bound")

	// ErrMessageReplay indicates a second open of an already-consumed
	// per-sender index.
	ErrMessageReplay = errors.New("group message replay")

	// ErrUnknownEpoch indicates a message or distribution for an epoch
	// this member has not accepted.
	ErrUnknownEpoch = errors.New("unknown epoch")

	// ErrUnknownSender indicates a sender with no distributed chain root
	// in the epoch.
	ErrUnknownSender = errors.New("no sender key for device")

	// ErrNotMember indicates a device outside the epoch's member set.
	ErrNotMember = errors.New("device is not a member of the epoch")

	// ErrNotAdmin indicates a transition attempted by a non-admin.
	ErrNotAdmin = errors.New("device is not an admin")

	// ErrForkDetected indicates two validly signed EAREs sharing an epoch
	// id with differing hashes. Acceptance halts until reconciliation.
	ErrForkDetected = errors.New("epoch fork detected")

	// ErrGroupHalted indicates operations attempted between fork
	// detection and reconciliation.
	ErrGroupHalted = errors.New("group halted pending fork reconciliation")

	// ErrStaleEpoch indicates a response or record for an epoch already
	// superseded locally.
	ErrStaleEpoch = errors.New("epoch superseded")

	// ErrRevokedDevice indicates a sender revoked under the current
	// registry view.
	ErrRevokedDevice = errors.New("sender device revoked")
)
