package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestDevice(t *testing.T, registry *DeviceRegistry, identityID, deviceID string) *SigningKeyPair {
	t.Helper()

	identity, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	device, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	require.NoError(t, registry.PinIdentity(identityID, identity.Public))
	binding, err := BindDevice(identity, identityID, deviceID, device.Public)
	require.NoError(t, err)
	require.NoError(t, registry.Register(binding))

	return device
}

func TestRegistryLifecycle(t *testing.T) {
	registry := NewDeviceRegistry()
	registerTestDevice(t, registry, "id-alice", "dev-1")

	view := registry.Snapshot()
	rec, err := view.Device("dev-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceRegistered, rec.Status)
	assert.False(t, view.IsActive("dev-1"))

	require.NoError(t, registry.Activate("dev-1"))
	assert.True(t, registry.Snapshot().IsActive("dev-1"))

	require.NoError(t, registry.Revoke("dev-1"))
	assert.True(t, registry.Snapshot().IsRevoked("dev-1"))

	// Revocation is terminal.
	assert.ErrorIs(t, registry.Activate("dev-1"), ErrDeviceRevoked)
}

func TestRegistryRejectsBadBinding(t *testing.T) {
	registry := NewDeviceRegistry()

	identity, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	imposter, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	device, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	require.NoError(t, registry.PinIdentity("id-alice", identity.Public))

	// Binding signed by the wrong identity key.
	binding, err := BindDevice(imposter, "id-alice", "dev-1", device.Public)
	require.NoError(t, err)
	assert.ErrorIs(t, registry.Register(binding), ErrInvalidBinding)

	// Unknown identity.
	binding2, err := BindDevice(identity, "id-nobody", "dev-2", device.Public)
	require.NoError(t, err)
	assert.ErrorIs(t, registry.Register(binding2), ErrIdentityUnknown)
}

func TestRegistryViewStaleness(t *testing.T) {
	registry := NewDeviceRegistry()
	registerTestDevice(t, registry, "id-alice", "dev-1")

	view := registry.Snapshot()
	assert.False(t, view.StaleAgainst(registry))

	require.NoError(t, registry.Activate("dev-1"))
	assert.True(t, view.StaleAgainst(registry), "snapshot must detect newer registry versions")

	// The old view still reports the state it captured.
	rec, err := view.Device("dev-1")
	require.NoError(t, err)
	assert.Equal(t, DeviceRegistered, rec.Status)
}

func TestRegistryPinIdentityConflict(t *testing.T) {
	registry := NewDeviceRegistry()

	first, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	second, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	require.NoError(t, registry.PinIdentity("id-alice", first.Public))
	require.NoError(t, registry.PinIdentity("id-alice", first.Public))
	assert.Error(t, registry.PinIdentity("id-alice", second.Public))
}
