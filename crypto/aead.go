package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

// NonceSize is the AEAD nonce size in bytes (96-bit IV as required by the
// wire format).
const NonceSize = 12

// Overhead is the authentication tag overhead added by Seal.
const Overhead = 16

// ErrDecryptionFailed indicates AEAD authentication failed. The ciphertext,
// AAD, nonce, or key did not match.
var ErrDecryptionFailed = errors.New("decryption failed: authentication error")

// GenerateNonce creates a random 96-bit nonce.
func GenerateNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// Seal encrypts plaintext with AES-256-GCM under key and nonce, binding
// aad as additional authenticated data.
func Seal(key [32]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext with AES-256-GCM, verifying the tag against aad.
// Returns ErrDecryptionFailed on any authentication failure.
func Open(key [32]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", ErrDecryptionFailed)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
