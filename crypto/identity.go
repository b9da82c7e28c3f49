package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair is an Ed25519 key pair. Identity keys and device keys are
// both SigningKeyPairs; they are only ever used for signing, never for
// encryption.
type SigningKeyPair struct {
	Public ed25519.PublicKey
	seed   [ed25519.SeedSize]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	var seed [ed25519.SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate signing key seed: %w", err)
	}
	return SigningKeyPairFromSeed(seed)
}

// SigningKeyPairFromSeed reconstructs a key pair from a stored 32-byte seed.
func SigningKeyPairFromSeed(seed [ed25519.SeedSize]byte) (*SigningKeyPair, error) {
	var zero [ed25519.SeedSize]byte
	if seed == zero {
		return nil, errors.New("invalid signing seed: all zeros")
	}
	private := ed25519.NewKeyFromSeed(seed[:])
	kp := &SigningKeyPair{Public: private.Public().(ed25519.PublicKey)}
	copy(kp.seed[:], seed[:])
	ZeroBytes(private)
	return kp, nil
}

// Sign creates an Ed25519 signature for a message.
func (kp *SigningKeyPair) Sign(message []byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}
	private := ed25519.NewKeyFromSeed(kp.seed[:])
	signatureBytes := ed25519.Sign(private, message)
	ZeroBytes(private)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// PublicKey returns the Ed25519 public key.
func (kp *SigningKeyPair) PublicKey() ed25519.PublicKey {
	return kp.Public
}

// Wipe erases the private seed. The key pair must not sign afterwards.
func (kp *SigningKeyPair) Wipe() {
	ZeroBytes(kp.seed[:])
}

// VerifySignature checks an Ed25519 signature against a message and public key.
func VerifySignature(publicKey ed25519.PublicKey, message []byte, signature Signature) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(message) == 0 {
		return false
	}
	return ed25519.Verify(publicKey, message, signature[:])
}

// DeviceBinding is the signed statement tying a device signing key to an
// identity. The identity key signs over the device id and the device's
// public signing key.
type DeviceBinding struct {
	IdentityID string
	DeviceID   string
	DeviceKey  ed25519.PublicKey
	Signature  Signature
}

// BindDevice produces a DeviceBinding signed by the identity key.
func BindDevice(identity *SigningKeyPair, identityID, deviceID string, deviceKey ed25519.PublicKey) (*DeviceBinding, error) {
	if len(deviceKey) != ed25519.PublicKeySize {
		return nil, errors.New("invalid device public key size")
	}
	sig, err := identity.Sign(bindingMessage(identityID, deviceID, deviceKey))
	if err != nil {
		return nil, fmt.Errorf("failed to sign device binding: %w", err)
	}
	return &DeviceBinding{
		IdentityID: identityID,
		DeviceID:   deviceID,
		DeviceKey:  deviceKey,
		Signature:  sig,
	}, nil
}

// Verify checks the binding signature against the identity public key.
func (b *DeviceBinding) Verify(identityKey ed25519.PublicKey) bool {
	return VerifySignature(identityKey, bindingMessage(b.IdentityID, b.DeviceID, b.DeviceKey), b.Signature)
}

func bindingMessage(identityID, deviceID string, deviceKey ed25519.PublicKey) []byte {
	msg := make([]byte, 0, len(labelPrefix)+len(identityID)+len(deviceID)+len(deviceKey)+16)
	msg = append(msg, labelPrefix+"device-binding"...)
	msg = append(msg, 0)
	msg = append(msg, identityID...)
	msg = append(msg, 0)
	msg = append(msg, deviceID...)
	msg = append(msg, 0)
	msg = append(msg, deviceKey...)
	return msg
}
