package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// DeviceStatus is the lifecycle state of a registered device.
type DeviceStatus uint8

const (
	// DeviceRegistered means the device binding has been recorded but not
	// yet activated for sessions.
	DeviceRegistered DeviceStatus = iota
	// DeviceActive means the device may participate in sessions and groups.
	DeviceActive
	// DeviceRevoked means every session and sender key the device
	// contributed is invalid from the revocation version on.
	DeviceRevoked
)

// String returns a human-readable status name.
func (s DeviceStatus) String() string {
	switch s {
	case DeviceRegistered:
		return "registered"
	case DeviceActive:
		return "active"
	case DeviceRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// DeviceRecord is one append-only entry in the registry log.
type DeviceRecord struct {
	Version    uint64
	DeviceID   string
	IdentityID string
	DeviceKey  ed25519.PublicKey
	Status     DeviceStatus
}

var (
	// ErrDeviceNotFound indicates the device id has never been registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceRevoked indicates the device has been revoked.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrInvalidBinding indicates the device binding signature did not
	// verify against the claimed identity key.
	ErrInvalidBinding = errors.New("invalid device binding signature")

	// ErrIdentityUnknown indicates no identity key is pinned for the id.
	ErrIdentityUnknown = errors.New("identity not known")
)

// DeviceRegistry is the versioned, append-only record of device lifecycle
// transitions. State is never mutated in place: every transition appends a
// record and bumps the registry version, and consumers hold RegistryView
// snapshots they can test for staleness.
type DeviceRegistry struct {
	mu         sync.RWMutex
	version    uint64
	identities map[string]ed25519.PublicKey
	log        []DeviceRecord
	current    map[string]DeviceRecord
	logger     *logrus.Logger
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		identities: make(map[string]ed25519.PublicKey),
		current:    make(map[string]DeviceRecord),
		logger:     logrus.StandardLogger(),
	}
}

// PinIdentity records the long-lived identity public key for an identity id.
// Re-pinning a different key for a known identity is rejected.
func (r *DeviceRegistry) PinIdentity(identityID string, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("invalid identity public key size")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.identities[identityID]; ok {
		if !existing.Equal(key) {
			return fmt.Errorf("identity %s already pinned to a different key", identityID)
		}
		return nil
	}
	r.identities[identityID] = key
	return nil
}

// IdentityKey returns the pinned identity key for an identity id.
func (r *DeviceRegistry) IdentityKey(identityID string) (ed25519.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.identities[identityID]
	if !ok {
		return nil, ErrIdentityUnknown
	}
	return key, nil
}

// Register appends a registered-state record for a device after verifying
// its binding against the pinned identity key.
func (r *DeviceRegistry) Register(binding *DeviceBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	identityKey, ok := r.identities[binding.IdentityID]
	if !ok {
		return ErrIdentityUnknown
	}
	if !binding.Verify(identityKey) {
		return ErrInvalidBinding
	}
	if rec, ok := r.current[binding.DeviceID]; ok && rec.Status == DeviceRevoked {
		return fmt.Errorf("%w: %s", ErrDeviceRevoked, binding.DeviceID)
	}

	r.append(DeviceRecord{
		DeviceID:   binding.DeviceID,
		IdentityID: binding.IdentityID,
		DeviceKey:  binding.DeviceKey,
		Status:     DeviceRegistered,
	})
	return nil
}

// Activate transitions a registered device to active.
func (r *DeviceRegistry) Activate(deviceID string) error {
	return r.transition(deviceID, DeviceActive, func(s DeviceStatus) bool {
		return s == DeviceRegistered || s == DeviceActive
	})
}

// Revoke transitions a device to revoked. Revocation is terminal.
func (r *DeviceRegistry) Revoke(deviceID string) error {
	err := r.transition(deviceID, DeviceRevoked, func(s DeviceStatus) bool { return true })
	if err == nil {
		r.logger.WithFields(logrus.Fields{
			"function":  "Revoke",
			"device_id": deviceID,
		}).Warn("Device revoked; sessions and sender keys it contributed are invalid")
	}
	return err
}

func (r *DeviceRegistry) transition(deviceID string, to DeviceStatus, allowed func(DeviceStatus) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.current[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if rec.Status == DeviceRevoked {
		return fmt.Errorf("%w: %s", ErrDeviceRevoked, deviceID)
	}
	if !allowed(rec.Status) {
		return fmt.Errorf("invalid device transition %s -> %s", rec.Status, to)
	}

	rec.Status = to
	r.append(rec)
	return nil
}

// append records a transition under the write lock.
func (r *DeviceRegistry) append(rec DeviceRecord) {
	r.version++
	rec.Version = r.version
	r.log = append(r.log, rec)
	r.current[rec.DeviceID] = rec
}

// Version returns the current registry version.
func (r *DeviceRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// RegistryView is an immutable snapshot of device state at one version.
// Consumers keep a view for the duration of a decision and compare versions
// to detect staleness instead of sharing mutable registry state.
type RegistryView struct {
	Version uint64
	devices map[string]DeviceRecord
}

// Snapshot returns a consistent view of the registry.
func (r *DeviceRegistry) Snapshot() RegistryView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	devices := make(map[string]DeviceRecord, len(r.current))
	for id, rec := range r.current {
		devices[id] = rec
	}
	return RegistryView{Version: r.version, devices: devices}
}

// Device returns the record for a device id within this view.
func (v RegistryView) Device(deviceID string) (DeviceRecord, error) {
	rec, ok := v.devices[deviceID]
	if !ok {
		return DeviceRecord{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return rec, nil
}

// IsActive reports whether the device may participate in sessions under
// this view.
func (v RegistryView) IsActive(deviceID string) bool {
	rec, ok := v.devices[deviceID]
	return ok && rec.Status == DeviceActive
}

// IsRevoked reports whether the device is revoked under this view.
func (v RegistryView) IsRevoked(deviceID string) bool {
	rec, ok := v.devices[deviceID]
	return ok && rec.Status == DeviceRevoked
}

// StaleAgainst reports whether this view is older than the registry's
// current version.
func (v RegistryView) StaleAgainst(r *DeviceRegistry) bool {
	return v.Version < r.Version()
}
