package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Derivation labels are versioned so that a future protocol revision can
// change derivation without colliding with v1 outputs. Both sides of a
// session must use identical labels byte-for-byte.
const (
	labelPrefix = "hushcore/v1/"

	// LabelRootSecret derives the handshake root secret from the hybrid
	// shared material.
	LabelRootSecret = labelPrefix + "root"

	// LabelRatchetRoot advances the ratchet root key on a DH step.
	LabelRatchetRoot = labelPrefix + "ratchet-root"

	// LabelChainKey advances a symmetric chain key.
	LabelChainKey = labelPrefix + "chain"

	// LabelMessageKey derives a per-message key from a chain key.
	LabelMessageKey = labelPrefix + "message"

	// LabelSenderChain derives a group per-sender chain from its root.
	LabelSenderChain = labelPrefix + "sender-chain"

	// LabelSfuToken derives the SFU authentication token key from a
	// handshake root secret.
	LabelSfuToken = labelPrefix + "sfu-token"
)

// KeySize is the size in bytes of all derived symmetric keys.
const KeySize = 32

// DeriveKey derives length bytes of key material from secret using
// HKDF-SHA256 with the given label and optional context. The label is
// the HKDF info parameter; salt binds the derivation to a transcript or
// header when non-nil.
func DeriveKey(secret []byte, salt []byte, label string, context []byte, length int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cannot derive from empty secret")
	}
	if length <= 0 {
		return nil, fmt.Errorf("invalid derivation length %d", length)
	}

	info := make([]byte, 0, len(label)+len(context))
	info = append(info, label...)
	info = append(info, context...)

	out := make([]byte, length)
	r := hkdf.New(sha256.New, secret, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return out, nil
}

// DeriveKey32 is DeriveKey fixed to the standard 32-byte key size.
func DeriveKey32(secret []byte, salt []byte, label string, context []byte) ([32]byte, error) {
	var out [32]byte
	derived, err := DeriveKey(secret, salt, label, context, KeySize)
	if err != nil {
		return out, err
	}
	copy(out[:], derived)
	ZeroBytes(derived)
	return out, nil
}
