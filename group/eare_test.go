package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushcore/crypto"
)

type testMember struct {
	deviceID string
	signer   *crypto.SigningKeyPair
}

// newTestMember registers and activates a device with its own identity.
func newTestMember(t *testing.T, registry *crypto.DeviceRegistry, name string) testMember {
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

	return testMember{deviceID: deviceID, signer: device}
}

func TestEAREHashIndependentOfMemberOrder(t *testing.T) {
	a, err := NewEARE("g1", 1, nil, []string{"dev-b", "dev-a"}, []string{"dev-a"}, "dev-a", 100)
	require.NoError(t, err)
	b, err := NewEARE("g1", 1, nil, []string{"dev-a", "dev-b"}, []string{"dev-a"}, "dev-a", 100)
	require.NoError(t, err)

	hashA, err := a.Hash()
	require.NoError(t, err)
	hashB, err := b.Hash()
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)
}

func TestEAREHashExcludesSignatures(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")

	eare, err := NewEARE("g1", 1, nil, []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	before, err := eare.Hash()
	require.NoError(t, err)

	require.NoError(t, eare.Sign(alice.deviceID, alice.signer))
	signed := FromRecord(eare.Record)
	after, err := signed.Hash()
	require.NoError(t, err)

	assert.Equal(t, before, after, "signatures must not change the record hash")
}

func TestEAREVerifyGenesis(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")
	bob := newTestMember(t, registry, "bob")

	eare, err := NewEARE("g1", 1, nil, []string{alice.deviceID, bob.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	require.NoError(t, eare.Sign(alice.deviceID, alice.signer))

	assert.NoError(t, eare.Verify(registry.Snapshot(), nil))
}

func TestEAREVerifyRejectsMissingAdminSignature(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")
	bob := newTestMember(t, registry, "bob")

	eare, err := NewEARE("g1", 1, nil, []string{alice.deviceID, bob.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	// Signed by a non-admin member only.
	require.NoError(t, eare.Sign(bob.deviceID, bob.signer))

	err = eare.Verify(registry.Snapshot(), nil)
	assert.ErrorIs(t, err, ErrNoAdminSignature)
}

func TestEAREVerifyRejectsChainBreak(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")

	genesis, err := NewEARE("g1", 1, nil, []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	require.NoError(t, genesis.Sign(alice.deviceID, alice.signer))

	next, err := NewEARE("g1", 2, []byte("not-the-real-hash-of-epoch-one!!"), []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 200)
	require.NoError(t, err)
	require.NoError(t, next.Sign(alice.deviceID, alice.signer))

	err = next.Verify(registry.Snapshot(), genesis)
	assert.ErrorIs(t, err, ErrChainBreak)
}

func TestEAREVerifyRejectsSkippedEpoch(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")

	genesis, err := NewEARE("g1", 1, nil, []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	prevHash, err := genesis.Hash()
	require.NoError(t, err)

	skipped, err := NewEARE("g1", 3, prevHash, []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 200)
	require.NoError(t, err)
	require.NoError(t, skipped.Sign(alice.deviceID, alice.signer))

	err = skipped.Verify(registry.Snapshot(), genesis)
	assert.ErrorIs(t, err, ErrChainBreak)
}

func TestEAREVerifyRejectsRevokedAdminSignature(t *testing.T) {
	registry := crypto.NewDeviceRegistry()
	alice := newTestMember(t, registry, "alice")

	eare, err := NewEARE("g1", 1, nil, []string{alice.deviceID}, []string{alice.deviceID}, alice.deviceID, 100)
	require.NoError(t, err)
	require.NoError(t, eare.Sign(alice.deviceID, alice.signer))

	require.NoError(t, registry.Revoke(alice.deviceID))
	err = eare.Verify(registry.Snapshot(), nil)
	assert.ErrorIs(t, err, ErrNoAdminSignature)
}

func TestNewEARERejectsAdminOutsideMembers(t *testing.T) {
	_, err := NewEARE("g1", 1, nil, []string{"dev-a"}, []string{"dev-b"}, "dev-a", 100)
	assert.Error(t, err)
}
