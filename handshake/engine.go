// Package handshake implements the one-shot hybrid classical plus
// post-quantum key agreement between two devices.
//
// The classical half is an ephemeral-ephemeral X25519 exchange; the
// post-quantum half encapsulates against an ephemeral ML-KEM-768 key the
// initiator sends in its first flight. The 32-byte root secret is derived
// from both shared values with a labeled KDF salted by the transcript
// hash, so both sides derive the same secret exactly when their
// transcripts, identities included, match bit-for-bit.
//
// The handshake transcript exists only for the duration of the exchange.
// Ephemeral private keys and intermediate secrets are wiped as soon as the
// root secret is derived.
package handshake

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/wire"
)

// pqScheme is the post-quantum KEM for protocol version 1. A future
// protocol version may swap it; within a version it is fixed and any
// mismatch is a hard failure.
var pqScheme kem.Scheme = mlkem768.Scheme()

// NonceSize is the handshake nonce size in bytes.
const NonceSize = 24

// Party identifies the local side of a handshake and its signing
// capabilities.
type Party struct {
	IdentityID string
	DeviceID   string
	Device     Signer
	Identity   Signer
}

// Result is what a completed handshake hands to the session layer.
type Result struct {
	SessionID      string
	RootSecret     [32]byte
	TranscriptHash []byte
	RemoteIdentity string
	RemoteDevice   string
	// RemoteEphemeral seeds the ratchet's first DH target.
	RemoteEphemeral [32]byte
	// LocalEphemeral is the DH key pair carried into the ratchet.
	LocalEphemeral *crypto.KeyPair
	// Initiator records which role this side played.
	Initiator bool
}

// InitiatorState holds the secrets the initiator must keep between sending
// the init and receiving the response. Complete or Discard must be called
// exactly once.
type InitiatorState struct {
	party    Party
	dhKeys   *crypto.KeyPair
	kemSeed  kem.PrivateKey
	initMsg  *wire.HandshakeInit
	initHash []byte
	done     bool
}

// Discard wipes the pending state without producing a session, for
// timeouts and cancellations. Prior state remains valid: nothing was
// written before the terminal step.
func (s *InitiatorState) Discard() {
	if s.dhKeys != nil {
		_ = crypto.WipeKeyPair(s.dhKeys)
	}
	s.kemSeed = nil
	s.done = true
}

// Initiate builds the first flight. It generates a fresh X25519 ephemeral,
// a fresh ML-KEM key pair, and a random nonce, then double-signs the
// transcript fields.
func Initiate(party Party, timeProvider crypto.TimeProvider) (*wire.HandshakeInit, *InitiatorState, error) {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}

	dhKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	kemPub, kemPriv, err := pqScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: key generation: %v", ErrKEMFailure, err)
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key encoding: %v", ErrKEMFailure, err)
	}

	nonce := make([]byte, NonceSize)
	if err := fillRandom(nonce); err != nil {
		return nil, nil, err
	}

	msg := &wire.HandshakeInit{
		Version:      wire.ProtocolVersion,
		IdentityID:   party.IdentityID,
		DeviceID:     party.DeviceID,
		EphemeralKey: dhKeys.Public[:],
		PQPublicKey:  kemPubBytes,
		Nonce:        nonce,
		Timestamp:    timeProvider.Now().UnixMilli(),
	}

	hash, err := initSigningHash(msg)
	if err != nil {
		return nil, nil, err
	}
	msg.DeviceSignature, msg.IdentitySignature, err = doubleSign(party.Device, party.Identity, hash)
	if err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Initiate",
		"device_id": party.DeviceID,
	}).Debug("Handshake init created")

	return msg, &InitiatorState{
		party:    party,
		dhKeys:   dhKeys,
		kemSeed:  kemPriv,
		initMsg:  msg,
		initHash: hash,
	}, nil
}

// Respond verifies an init against the registry view, performs the
// responder half of the hybrid agreement, and returns the response flight
// together with the derived result. On any verification failure no session
// state is created.
func Respond(party Party, view crypto.RegistryView, registry *crypto.DeviceRegistry, init *wire.HandshakeInit, timeProvider crypto.TimeProvider) (*wire.HandshakeResponse, *Result, error) {
	if timeProvider == nil {
		timeProvider = crypto.DefaultTimeProvider{}
	}
	if init.Version != wire.ProtocolVersion {
		return nil, nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, init.Version, wire.ProtocolVersion)
	}

	initHash, err := initSigningHash(init)
	if err != nil {
		return nil, nil, err
	}
	identityKey, err := registry.IdentityKey(init.IdentityID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := verifyDoubleSignature(view, identityKey, init.IdentityID, init.DeviceID, initHash, init.DeviceSignature, init.IdentitySignature); err != nil {
		return nil, nil, err
	}

	// Post-quantum half: encapsulate against the initiator's KEM key.
	kemPub, err := pqScheme.UnmarshalBinaryPublicKey(init.PQPublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad public key: %v", ErrKEMFailure, err)
	}
	kemCiphertext, kemShared, err := pqScheme.Encapsulate(kemPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encapsulation: %v", ErrKEMFailure, err)
	}

	// Classical half: ephemeral-ephemeral X25519.
	dhKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		crypto.ZeroBytes(kemShared)
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	var remoteEphemeral [32]byte
	copy(remoteEphemeral[:], init.EphemeralKey)
	dhShared, err := crypto.DeriveSharedSecret(remoteEphemeral, dhKeys.Private)
	if err != nil {
		crypto.ZeroBytes(kemShared)
		return nil, nil, err
	}

	nonce := make([]byte, NonceSize)
	if err := fillRandom(nonce); err != nil {
		crypto.ZeroBytes(kemShared)
		crypto.ZeroBytes(dhShared[:])
		return nil, nil, err
	}

	resp := &wire.HandshakeResponse{
		Version:      wire.ProtocolVersion,
		IdentityID:   party.IdentityID,
		DeviceID:     party.DeviceID,
		EphemeralKey: dhKeys.Public[:],
		PQCiphertext: kemCiphertext,
		Nonce:        nonce,
		Timestamp:    timeProvider.Now().UnixMilli(),
	}
	respHash, err := responseSigningHash(initHash, resp)
	if err != nil {
		crypto.ZeroBytes(kemShared)
		crypto.ZeroBytes(dhShared[:])
		return nil, nil, err
	}
	resp.DeviceSignature, resp.IdentitySignature, err = doubleSign(party.Device, party.Identity, respHash)
	if err != nil {
		crypto.ZeroBytes(kemShared)
		crypto.ZeroBytes(dhShared[:])
		return nil, nil, err
	}

	result, err := deriveResult(dhShared, kemShared, respHash, init, resp, dhKeys, remoteEphemeral, false)
	if err != nil {
		return nil, nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Respond",
		"remote_device": init.DeviceID,
		"session_id":    result.SessionID,
	}).Info("Handshake completed as responder")

	return resp, result, nil
}

// Complete verifies the response, decapsulates the post-quantum secret,
// and derives the initiator's copy of the root secret. The pending state
// is consumed; a second call fails.
func Complete(state *InitiatorState, view crypto.RegistryView, registry *crypto.DeviceRegistry, resp *wire.HandshakeResponse) (*Result, error) {
	if state == nil || state.done {
		return nil, ErrStaleResponse
	}
	if resp.Version != wire.ProtocolVersion {
		state.Discard()
		return nil, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, resp.Version, wire.ProtocolVersion)
	}

	respHash, err := responseSigningHash(state.initHash, resp)
	if err != nil {
		state.Discard()
		return nil, err
	}
	identityKey, err := registry.IdentityKey(resp.IdentityID)
	if err != nil {
		state.Discard()
		return nil, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if err := verifyDoubleSignature(view, identityKey, resp.IdentityID, resp.DeviceID, respHash, resp.DeviceSignature, resp.IdentitySignature); err != nil {
		state.Discard()
		return nil, err
	}

	kemShared, err := pqScheme.Decapsulate(state.kemSeed, resp.PQCiphertext)
	if err != nil {
		state.Discard()
		return nil, fmt.Errorf("%w: decapsulation: %v", ErrKEMFailure, err)
	}

	var remoteEphemeral [32]byte
	copy(remoteEphemeral[:], resp.EphemeralKey)
	dhShared, err := crypto.DeriveSharedSecret(remoteEphemeral, state.dhKeys.Private)
	if err != nil {
		crypto.ZeroBytes(kemShared)
		state.Discard()
		return nil, err
	}

	result, err := deriveResult(dhShared, kemShared, respHash, state.initMsg, resp, state.dhKeys, remoteEphemeral, true)
	if err != nil {
		state.Discard()
		return nil, err
	}
	state.kemSeed = nil
	state.done = true

	logrus.WithFields(logrus.Fields{
		"function":      "Complete",
		"remote_device": resp.DeviceID,
		"session_id":    result.SessionID,
	}).Info("Handshake completed as initiator")

	return result, nil
}

// deriveResult derives the root secret from the concatenated hybrid shared
// values, salted by the transcript hash, and wipes the inputs.
func deriveResult(dhShared [32]byte, kemShared, transcript []byte, init *wire.HandshakeInit, resp *wire.HandshakeResponse, local *crypto.KeyPair, remoteEphemeral [32]byte, initiator bool) (*Result, error) {
	hybrid := make([]byte, 0, len(dhShared)+len(kemShared))
	hybrid = append(hybrid, dhShared[:]...)
	hybrid = append(hybrid, kemShared...)

	root, err := crypto.DeriveKey32(hybrid, transcript, crypto.LabelRootSecret, nil)
	crypto.ZeroBytes(hybrid)
	crypto.ZeroBytes(dhShared[:])
	crypto.ZeroBytes(kemShared)
	if err != nil {
		return nil, err
	}

	remoteIdentity, remoteDevice := init.IdentityID, init.DeviceID
	if initiator {
		remoteIdentity, remoteDevice = resp.IdentityID, resp.DeviceID
	}

	return &Result{
		SessionID:       sessionID(transcript),
		RootSecret:      root,
		TranscriptHash:  transcript,
		RemoteIdentity:  remoteIdentity,
		RemoteDevice:    remoteDevice,
		RemoteEphemeral: remoteEphemeral,
		LocalEphemeral:  local,
		Initiator:       initiator,
	}, nil
}

func fillRandom(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nil
}

// sessionID names the session after the transcript so both sides agree on
// it without another round trip.
func sessionID(transcript []byte) string {
	var b [16]byte
	copy(b[:], transcript)
	return uuid.NewSHA1(uuid.NameSpaceOID, b[:]).String()
}

// KeyFetcher fetches a remote device's published handshake material. It is
// the transport-facing capability a directory service implements.
type KeyFetcher interface {
	FetchIdentity(ctx context.Context, identityID string) ([]byte, error)
}

// Engine runs handshakes that involve fetching remote key material. The
// fetch is a suspending operation bounded by the configured timeout; no
// ratchet or registry state is held locked while it is in flight.
type Engine struct {
	Party        Party
	Registry     *crypto.DeviceRegistry
	Fetcher      KeyFetcher
	TimeProvider crypto.TimeProvider
}

// InitiateWithIdentity fetches and pins the remote identity key, then
// builds the init flight. On context timeout or cancellation the operation
// fails cleanly and prior state remains valid.
func (e *Engine) InitiateWithIdentity(ctx context.Context, identityID string) (*wire.HandshakeInit, *InitiatorState, error) {
	keyBytes, err := e.Fetcher.FetchIdentity(ctx, identityID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch identity %s: %w", identityID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("handshake canceled: %w", err)
	}
	if err := e.Registry.PinIdentity(identityID, keyBytes); err != nil {
		return nil, nil, err
	}
	return Initiate(e.Party, e.TimeProvider)
}
