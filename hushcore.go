// Package hushcore is a post-quantum-hybrid end-to-end encryption core
// for messaging and media sessions.
//
// The package composes four components into one derivation pipeline:
// a hybrid classical/post-quantum handshake (handshake), a pairwise
// double ratchet (ratchet), group epoch management with hash-chained
// membership records (group), and an untrusted media router's
// authorization state machine (sfu). Each stage consumes only the typed
// outputs of the previous one; the Builder in this package wires them
// together.
//
// Basic usage:
//
//	builder, err := hushcore.NewBuilder(registry, limits.Default())
//	...
//	session, err := builder.PairSession(handshakeResult)
//	...
//	manager, err := builder.GroupManager("group-1", "dev-a", deviceKey, nil)
package hushcore

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/group"
	"github.com/opd-ai/hushcore/handshake"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/ratchet"
	"github.com/opd-ai/hushcore/sfu"
	"github.com/opd-ai/hushcore/wire"
)

// Builder composes the layered derivation chain: handshake result to
// ratchet session, ratchet sessions to group key channels, handshake
// secret to SFU call credentials. It holds no per-session state itself.
type Builder struct {
	registry *crypto.DeviceRegistry
	lim      limits.Limits
	clock    crypto.TimeProvider
}

// NewBuilder validates the bounds and returns a builder.
func NewBuilder(registry *crypto.DeviceRegistry, lim limits.Limits) (*Builder, error) {
	if registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		registry: registry,
		lim:      lim,
		clock:    crypto.DefaultTimeProvider{},
	}, nil
}

// WithTimeProvider overrides the clock, mainly for tests.
func (b *Builder) WithTimeProvider(clock crypto.TimeProvider) *Builder {
	b.clock = clock
	return b
}

// PairSession turns a completed handshake into a live pairwise ratchet
// session. The result's ephemeral keys seed the first DH ratchet step.
func (b *Builder) PairSession(localDeviceID string, result *handshake.Result) (*ratchet.Session, error) {
	if result == nil {
		return nil, fmt.Errorf("handshake result is required")
	}
	return ratchet.NewSession(ratchet.Config{
		SessionID:      result.SessionID,
		RootSecret:     result.RootSecret,
		LocalDH:        result.LocalEphemeral,
		RemoteDH:       result.RemoteEphemeral,
		Initiator:      result.Initiator,
		LocalDeviceID:  localDeviceID,
		RemoteDeviceID: result.RemoteDevice,
		Limits:         b.lim,
	})
}

// GroupManager builds an epoch manager for one group on one device. The
// signer is the local device key; log may be nil to skip persistence.
func (b *Builder) GroupManager(groupID, localDeviceID string, signer group.Signer, log *group.EpochLog) (*group.Manager, error) {
	return group.NewManager(group.ManagerConfig{
		GroupID:     groupID,
		LocalDevice: localDeviceID,
		Signer:      signer,
		Registry:    b.registry,
		Time:        b.clock,
		Limits:      b.lim,
		Log:         log,
	})
}

// MediaHandler builds the SFU-side state machine with its own
// authenticator.
func (b *Builder) MediaHandler() (*sfu.Handler, *sfu.Authenticator, error) {
	auth, err := sfu.NewAuthenticator(b.lim, b.clock)
	if err != nil {
		return nil, nil, err
	}
	handler, err := sfu.NewHandler(auth, b.lim, b.clock)
	if err != nil {
		return nil, nil, err
	}
	return handler, auth, nil
}

// CallToken derives the per-call token key from a handshake root secret
// and mints an authenticated token with a fresh nonce. The SFU side
// registers the same derived key, so the secret itself never travels.
func (b *Builder) CallToken(result *handshake.Result, callID, clientID string) (sfu.Token, [32]byte, error) {
	if result == nil {
		return sfu.Token{}, [32]byte{}, fmt.Errorf("handshake result is required")
	}
	key, err := sfu.DeriveTokenKey(result.RootSecret, callID, clientID)
	if err != nil {
		return sfu.Token{}, [32]byte{}, err
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return sfu.Token{}, [32]byte{}, fmt.Errorf("nonce generation failed: %w", err)
	}
	token, err := sfu.MintToken(key, sfu.Token{
		CallID:    callID,
		ClientID:  clientID,
		Timestamp: b.clock.Now().Unix(),
		Nonce:     nonce,
	})
	if err != nil {
		return sfu.Token{}, [32]byte{}, err
	}
	return token, key, nil
}

// Deliver hands one sealed pairwise message to the peer's transport.
type Deliver func(ctx context.Context, deviceID string, msg *wire.EncryptedMessage) error

// RatchetTransport adapts a set of pairwise ratchet sessions into the
// authenticated channel the group layer distributes keys over. Sender
// key material and epoch records ride these sessions, never bulk group
// traffic.
type RatchetTransport struct {
	mu       sync.Mutex
	sessions map[string]*ratchet.Session
	deliver  Deliver
	logger   *logrus.Logger
}

var _ group.KeyTransport = (*RatchetTransport)(nil)

// NewRatchetTransport builds a transport over a delivery callback.
func NewRatchetTransport(deliver Deliver) *RatchetTransport {
	return &RatchetTransport{
		sessions: make(map[string]*ratchet.Session),
		deliver:  deliver,
		logger:   logrus.StandardLogger(),
	}
}

// Attach registers the pairwise session for a device. A later Attach for
// the same device replaces the session, which happens after a rekey.
func (rt *RatchetTransport) Attach(deviceID string, session *ratchet.Session) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sessions[deviceID] = session
}

// Detach drops a device's session, usually on revocation.
func (rt *RatchetTransport) Detach(deviceID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.sessions, deviceID)
}

// SendSecure implements group.KeyTransport: the payload is sealed on the
// pairwise ratchet before the delivery callback ever sees it.
func (rt *RatchetTransport) SendSecure(ctx context.Context, deviceID string, payload []byte) error {
	rt.mu.Lock()
	session, ok := rt.sessions[deviceID]
	rt.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pairwise session with device %s", deviceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := session.Encrypt(payload)
	if err != nil {
		rt.logger.WithFields(logrus.Fields{
			"function":  "SendSecure",
			"device_id": deviceID,
			"error":     err,
		}).Error("Pairwise seal failed")
		return err
	}
	return rt.deliver(ctx, deviceID, msg)
}

// Receive opens an inbound pairwise message from a device and returns the
// plaintext payload for the group layer to interpret.
func (rt *RatchetTransport) Receive(deviceID string, msg *wire.EncryptedMessage) ([]byte, error) {
	rt.mu.Lock()
	session, ok := rt.sessions[deviceID]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no pairwise session with device %s", deviceID)
	}
	return session.Decrypt(msg)
}
