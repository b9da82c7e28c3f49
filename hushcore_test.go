package hushcore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/handshake"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

type testPeer struct {
	party  handshake.Party
	device *crypto.SigningKeyPair
}

func newTestPeer(t *testing.T, registry *crypto.DeviceRegistry, name string) testPeer {
	t.Helper()

	identity, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	device, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	identityID := "id-" + name
	deviceID := "dev-" + name
	require.NoError(t, registry.PinIdentity(identityID, identity.Public))
	binding, err := crypto.BindDevice(identity, identityID, deviceID, device.Public)
	require.NoError(t, err)
	require.NoError(t, registry.Register(binding))
	require.NoError(t, registry.Activate(deviceID))

	return testPeer{
		party: handshake.Party{
			IdentityID: identityID,
			DeviceID:   deviceID,
			Device:     device,
			Identity:   identity,
		},
		device: device,
	}
}

func runHandshake(t *testing.T, registry *crypto.DeviceRegistry, a, b testPeer) (*handshake.Result, *handshake.Result) {
	t.Helper()

	init, state, err := handshake.Initiate(a.party, nil)
	require.NoError(t, err)
	view := registry.Snapshot()
	resp, bResult, err := handshake.Respond(b.party, view, registry, init, nil)
	require.NoError(t, err)
	aResult, err := handshake.Complete(state, view, registry, resp)
	require.NoError(t, err)
	return aResult, bResult
}

func TestBuilderPairSessionEndToEnd(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestPeer(t, registry, "alice")
	bob := newTestPeer(t, registry, "bob")

	builder, err := NewBuilder(registry, limits.Default())
	require.NoError(t, err)

	aliceResult, bobResult := runHandshake(t, registry, alice, bob)
	aliceSession, err := builder.PairSession(alice.party.DeviceID, aliceResult)
	require.NoError(t, err)
	bobSession, err := builder.PairSession(bob.party.DeviceID, bobResult)
	require.NoError(t, err)

	msg, err := aliceSession.Encrypt([]byte("through the whole pipeline"))
	require.NoError(t, err)
	plaintext, err := bobSession.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("through the whole pipeline"), plaintext)

	reply, err := bobSession.Encrypt([]byte("and back"))
	require.NoError(t, err)
	plaintext, err = aliceSession.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("and back"), plaintext)
}

func TestGroupKeysRideRatchetSessions(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestPeer(t, registry, "alice")
	bob := newTestPeer(t, registry, "bob")

	builder, err := NewBuilder(registry, limits.Default())
	require.NoError(t, err)

	aliceResult, bobResult := runHandshake(t, registry, alice, bob)
	aliceSession, err := builder.PairSession(alice.party.DeviceID, aliceResult)
	require.NoError(t, err)
	bobSession, err := builder.PairSession(bob.party.DeviceID, bobResult)
	require.NoError(t, err)

	aliceMgr, err := builder.GroupManager("g1", alice.party.DeviceID, alice.device, nil)
	require.NoError(t, err)
	bobMgr, err := builder.GroupManager("g1", bob.party.DeviceID, bob.device, nil)
	require.NoError(t, err)

	// Alice's transport seals over her pairwise session; delivery decrypts
	// at bob's end and feeds the group layer.
	bobTransport := NewRatchetTransport(nil)
	bobTransport.Attach(alice.party.DeviceID, bobSession)
	aliceTransport := NewRatchetTransport(func(_ context.Context, deviceID string, msg *wire.EncryptedMessage) error {
		require.Equal(t, bob.party.DeviceID, deviceID)
		payload, err := bobTransport.Receive(alice.party.DeviceID, msg)
		if err != nil {
			return err
		}
		decoded, err := wire.DecodeMessage(payload)
		if err != nil {
			return err
		}
		switch v := decoded.(type) {
		case *wire.KeyDistribution:
			return bobMgr.HandleKeyDistribution(v)
		case *wire.EpochRecord:
			return bobMgr.AcceptEARE(*v)
		default:
			return wire.ErrUnknownMessageType
		}
	})
	aliceTransport.Attach(bob.party.DeviceID, aliceSession)

	genesis, err := aliceMgr.Genesis(
		[]string{alice.party.DeviceID, bob.party.DeviceID},
		[]string{alice.party.DeviceID},
	)
	require.NoError(t, err)
	require.NoError(t, bobMgr.AcceptEARE(genesis.Record))
	require.NoError(t, aliceMgr.DistributeSenderKey(context.Background(), aliceTransport))

	sealed, err := aliceMgr.SealMessage([]byte("group secret"))
	require.NoError(t, err)
	plaintext, err := bobMgr.OpenMessage(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("group secret"), plaintext)
}

func TestCallTokenAcceptedByMediaHandler(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestPeer(t, registry, "alice")
	bob := newTestPeer(t, registry, "bob")

	builder, err := NewBuilder(registry, limits.Default())
	require.NoError(t, err)
	aliceResult, _ := runHandshake(t, registry, alice, bob)

	token, key, err := builder.CallToken(aliceResult, "call-1", alice.party.DeviceID)
	require.NoError(t, err)

	handler, auth, err := builder.MediaHandler()
	require.NoError(t, err)
	auth.RegisterKey("call-1", alice.party.DeviceID, key)

	d := handler.Join(token)
	assert.True(t, d.Accepted, "derived token must authenticate: %s %s", d.Code, d.Detail)

	// A token for a different call never authenticates under this key.
	otherToken, _, err := builder.CallToken(aliceResult, "call-2", alice.party.DeviceID)
	require.NoError(t, err)
	assert.False(t, handler.Join(otherToken).Accepted)
}
