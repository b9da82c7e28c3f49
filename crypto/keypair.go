// Package crypto implements the cryptographic primitives shared by the
// hushcore session stack.
//
// This package handles key generation, shared-secret derivation, labeled
// key derivation, authenticated encryption, and signatures using Go's
// x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair represents an X25519 key pair used for handshake and ratchet
// Diffie-Hellman operations.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	clampScalar(&private)

	public, err := publicFromPrivate(private)
	if err != nil {
		ZeroBytes(private[:])
		return nil, err
	}

	return &KeyPair{Public: public, Private: private}, nil
}

// FromSecretKey creates a key pair from an existing private key,
// deriving the matching public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	clampScalar(&secretKey)
	public, err := publicFromPrivate(secretKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{Public: public, Private: secretKey}, nil
}

// DeriveSharedSecret computes a shared secret between two parties
// using Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared secret using ECDH")

	// Work on copies so callers' key material is never modified.
	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}

// publicFromPrivate derives the X25519 public key for a private scalar.
func publicFromPrivate(private [32]byte) ([32]byte, error) {
	publicBytes, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	var public [32]byte
	copy(public[:], publicBytes)
	return public, nil
}

// clampScalar applies the standard X25519 scalar clamping in place.
func clampScalar(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
