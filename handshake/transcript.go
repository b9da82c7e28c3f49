package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/wire"
)

// Signer is the key-store capability: it signs without ever exposing raw
// private key material. *crypto.SigningKeyPair satisfies it; a hardware
// token wrapper would too.
type Signer interface {
	Sign(message []byte) (crypto.Signature, error)
	PublicKey() ed25519.PublicKey
}

// initSigningHash hashes the init transcript fields, excluding signatures.
func initSigningHash(msg *wire.HandshakeInit) ([]byte, error) {
	core := *msg
	core.DeviceSignature = nil
	core.IdentitySignature = nil
	return transcriptHash(&core)
}

// responseSigningHash hashes the response transcript fields bound to the
// init they answer, excluding signatures.
func responseSigningHash(initHash []byte, msg *wire.HandshakeResponse) ([]byte, error) {
	core := *msg
	core.DeviceSignature = nil
	core.IdentitySignature = nil
	h, err := transcriptHash(&core)
	if err != nil {
		return nil, err
	}
	sum := sha256.New()
	sum.Write(initHash)
	sum.Write(h)
	return sum.Sum(nil), nil
}

func transcriptHash(v any) ([]byte, error) {
	encoded, err := wire.EncodeCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("transcript encoding failed: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}

// doubleSign produces the device signature over the transcript hash, then
// the identity signature over the hash concatenated with the device
// signature. The order means a valid identity signature also commits to
// which device key signed.
func doubleSign(device, identity Signer, hash []byte) (deviceSig, identitySig []byte, err error) {
	dSig, err := device.Sign(hash)
	if err != nil {
		return nil, nil, fmt.Errorf("device signing failed: %w", err)
	}
	iSig, err := identity.Sign(append(append([]byte{}, hash...), dSig[:]...))
	if err != nil {
		return nil, nil, fmt.Errorf("identity signing failed: %w", err)
	}
	return dSig[:], iSig[:], nil
}

// verifyDoubleSignature checks both transcript signatures against the
// device and identity public keys from the registry view. The device must
// be registered under the identity it claims: the double signature alone
// already rules out a cross-identity splice, but the binding is checked
// explicitly rather than left implicit in the signature construction.
func verifyDoubleSignature(view crypto.RegistryView, identityKey ed25519.PublicKey, identityID, deviceID string, hash, deviceSig, identitySig []byte) error {
	rec, err := view.Device(deviceID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceNotActive, err)
	}
	if rec.Status != crypto.DeviceActive {
		return fmt.Errorf("%w: %s is %s", ErrDeviceNotActive, deviceID, rec.Status)
	}
	if rec.IdentityID != identityID {
		return fmt.Errorf("%w: %s is registered under %s, not %s", ErrIdentityMismatch, deviceID, rec.IdentityID, identityID)
	}

	var dSig, iSig crypto.Signature
	if len(deviceSig) != crypto.SignatureSize || len(identitySig) != crypto.SignatureSize {
		return fmt.Errorf("%w: malformed signature length", ErrSignatureMismatch)
	}
	copy(dSig[:], deviceSig)
	copy(iSig[:], identitySig)

	if !crypto.VerifySignature(rec.DeviceKey, hash, dSig) {
		return fmt.Errorf("%w: device signature", ErrSignatureMismatch)
	}
	identityMsg := append(append([]byte{}, hash...), deviceSig...)
	if !crypto.VerifySignature(identityKey, identityMsg, iSig) {
		return fmt.Errorf("%w: identity signature", ErrSignatureMismatch)
	}
	return nil
}
