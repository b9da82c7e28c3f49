package group

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

// KeyTransport delivers a payload to one member over an already
// established pairwise encrypted channel. Sender-key material never rides
// any other path.
type KeyTransport interface {
	SendSecure(ctx context.Context, deviceID string, payload []byte) error
}

// ManagerConfig collects the dependencies of a group epoch manager.
type ManagerConfig struct {
	GroupID     string
	LocalDevice string
	Signer      Signer
	Registry    *crypto.DeviceRegistry
	Time        crypto.TimeProvider
	Limits      limits.Limits
	// Log is optional; when set, accepted EAREs and fork branches are
	// persisted through it.
	Log *EpochLog
}

// Manager drives one group's epoch lifecycle on one device: EARE
// acceptance, sender-key distribution, message sealing and opening, fork
// detection and reconciliation.
//
// A Manager is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	groupID     string
	localDevice string
	signer      Signer
	registry    *crypto.DeviceRegistry
	clock       crypto.TimeProvider
	lim         limits.Limits
	log         *EpochLog

	keys    *senderKeyStore
	epochs  map[uint64]*EpochState
	index   map[string]*EARE
	opens   map[uint64]int
	current uint64
	started bool

	halted bool
	fork   *Fork

	logger *logrus.Logger
}

// NewManager builds a manager with no accepted epochs. Call Genesis to
// create a group or AcceptEARE to join one.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.GroupID == "" || cfg.LocalDevice == "" {
		return nil, fmt.Errorf("group id and local device are required")
	}
	if cfg.Signer == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("signer and registry are required")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	clock := cfg.Time
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Manager{
		groupID:     cfg.GroupID,
		localDevice: cfg.LocalDevice,
		signer:      cfg.Signer,
		registry:    cfg.Registry,
		clock:       clock,
		lim:         cfg.Limits,
		log:         cfg.Log,
		keys:        newSenderKeyStore(),
		epochs:      make(map[uint64]*EpochState),
		index:       make(map[string]*EARE),
		opens:       make(map[uint64]int),
		logger:      logrus.StandardLogger(),
	}, nil
}

// Genesis creates epoch 1 with the given membership. The local device must
// be among the admins; the record is self-authorizing and signed by the
// local device key.
func (m *Manager) Genesis(members, admins []string) (*EARE, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, fmt.Errorf("group %s already has an epoch chain", m.groupID)
	}

	eare, err := NewEARE(m.groupID, 1, nil, members, admins, m.localDevice, m.clock.Now().Unix())
	if err != nil {
		return nil, err
	}
	if !eare.HasAdmin(m.localDevice) {
		return nil, fmt.Errorf("%w: %s", ErrNotAdmin, m.localDevice)
	}
	if err := eare.Sign(m.localDevice, m.signer); err != nil {
		return nil, err
	}
	if err := eare.Verify(m.registry.Snapshot(), nil); err != nil {
		return nil, err
	}
	if err := m.install(eare); err != nil {
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"function": "Genesis",
		"group_id": m.groupID,
		"members":  len(eare.Record.Members),
	}).Info("Group created")
	return eare, nil
}

// AcceptEARE validates and installs a received epoch record. Two validly
// signed records sharing an epoch id with differing hashes halt the group
// until Reconcile runs; every other failure leaves state untouched.
func (m *Manager) AcceptEARE(record wire.EpochRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	eare := FromRecord(record)
	hash, err := eare.Hash()
	if err != nil {
		return err
	}

	if m.halted {
		return fmt.Errorf("%w: group %s", ErrGroupHalted, m.groupID)
	}

	if m.started && record.EpochID <= m.current {
		accepted, ok := m.epochs[record.EpochID]
		if !ok {
			return fmt.Errorf("%w: epoch %d", ErrStaleEpoch, record.EpochID)
		}
		acceptedHash, err := accepted.eare.Hash()
		if err != nil {
			return err
		}
		if bytes.Equal(hash, acceptedHash) {
			return nil
		}
		// Same id, different content: only a validly signed competitor
		// counts as a fork, otherwise it is plain garbage.
		if err := eare.Verify(m.registry.Snapshot(), m.prevOf(record.EpochID)); err != nil {
			return err
		}
		return m.haltOnFork(accepted.eare, eare)
	}

	if m.started && record.EpochID != m.current+1 {
		return fmt.Errorf("%w: epoch %d, current %d", ErrUnknownEpoch, record.EpochID, m.current)
	}
	if !m.started {
		if record.EpochID != 1 {
			return fmt.Errorf("%w: first record must be epoch 1, got %d", ErrChainBreak, record.EpochID)
		}
		if err := eare.Verify(m.registry.Snapshot(), nil); err != nil {
			return err
		}
		return m.install(eare)
	}

	if err := eare.Verify(m.registry.Snapshot(), m.epochs[m.current].eare); err != nil {
		return err
	}
	return m.install(eare)
}

// Transition issues the next epoch with new membership, signs it and
// installs it locally. The local device must be an admin of the current
// epoch. When transport is non-nil the record is pushed to every other
// member of the new epoch; delivery failures are logged and skipped, the
// transition itself does not roll back.
func (m *Manager) Transition(ctx context.Context, members, admins []string, transport KeyTransport) (*EARE, error) {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: group %s", ErrGroupHalted, m.groupID)
	}
	if !m.started {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: no genesis epoch", ErrUnknownEpoch)
	}
	currentState := m.epochs[m.current]
	if !currentState.eare.HasAdmin(m.localDevice) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotAdmin, m.localDevice)
	}
	view := m.registry.Snapshot()
	if view.IsRevoked(m.localDevice) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRevokedDevice, m.localDevice)
	}
	prevHash, err := currentState.eare.Hash()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	eare, err := NewEARE(m.groupID, m.current+1, prevHash, members, admins, m.localDevice, m.clock.Now().Unix())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := eare.Sign(m.localDevice, m.signer); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := eare.Verify(view, currentState.eare); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.install(eare); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if transport != nil {
		payload, err := wire.EncodeMessage(&eare.Record)
		if err != nil {
			return eare, err
		}
		for _, member := range eare.Record.Members {
			if member == m.localDevice {
				continue
			}
			if err := ctx.Err(); err != nil {
				return eare, err
			}
			if err := transport.SendSecure(ctx, member, payload); err != nil {
				m.logger.WithFields(logrus.Fields{
					"function": "Transition",
					"group_id": m.groupID,
					"epoch_id": eare.Record.EpochID,
					"member":   member,
					"error":    err,
				}).Warn("Epoch record delivery failed")
			}
		}
	}
	return eare, nil
}

// DistributeSenderKey generates a fresh chain root for the current epoch
// and delivers it to every other member over their pairwise channel. The
// same root goes to everyone; a differing root sent to any member is the
// poisoning case receivers reject.
func (m *Manager) DistributeSenderKey(ctx context.Context, transport KeyTransport) error {
	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return fmt.Errorf("%w: group %s", ErrGroupHalted, m.groupID)
	}
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: no genesis epoch", ErrUnknownEpoch)
	}
	state := m.epochs[m.current]
	if !state.eare.HasMember(m.localDevice) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMember, m.localDevice)
	}

	var root [32]byte
	if _, err := rand.Read(root[:]); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("chain root generation failed: %w", err)
	}
	if err := m.keys.accept(m.groupID, m.current, m.localDevice, root); err != nil {
		m.mu.Unlock()
		return err
	}
	epochID := m.current
	members := append([]string(nil), state.eare.Record.Members...)
	m.mu.Unlock()

	dist := &wire.KeyDistribution{
		Version:        wire.ProtocolVersion,
		GroupID:        m.groupID,
		EpochID:        epochID,
		SenderDeviceID: m.localDevice,
		ChainRoot:      root[:],
	}
	payload, err := wire.EncodeMessage(dist)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(payload)

	for _, member := range members {
		if member == m.localDevice {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := transport.SendSecure(ctx, member, payload); err != nil {
			return fmt.Errorf("sender key delivery to %s: %w", member, err)
		}
	}
	return nil
}

// HandleKeyDistribution accepts a sender's chain root received over a
// pairwise channel. First write wins per (epoch, sender).
func (m *Manager) HandleKeyDistribution(dist *wire.KeyDistribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dist.GroupID != m.groupID {
		return fmt.Errorf("%w: distribution for group %s", ErrUnknownEpoch, dist.GroupID)
	}
	state, ok := m.epochs[dist.EpochID]
	if !ok {
		return fmt.Errorf("%w: epoch %d", ErrUnknownEpoch, dist.EpochID)
	}
	if !state.eare.HasMember(dist.SenderDeviceID) {
		return fmt.Errorf("%w: %s in epoch %d", ErrNotMember, dist.SenderDeviceID, dist.EpochID)
	}
	if m.registry.Snapshot().IsRevoked(dist.SenderDeviceID) {
		return fmt.Errorf("%w: %s", ErrRevokedDevice, dist.SenderDeviceID)
	}
	if len(dist.ChainRoot) != 32 {
		return fmt.Errorf("chain root must be 32 bytes, got %d", len(dist.ChainRoot))
	}
	var root [32]byte
	copy(root[:], dist.ChainRoot)
	return m.keys.accept(m.groupID, dist.EpochID, dist.SenderDeviceID, root)
}

// SealMessage encrypts a payload under the local sender chain at the
// current epoch. Requires a prior DistributeSenderKey for this epoch.
func (m *Manager) SealMessage(plaintext []byte) (*wire.GroupMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return nil, fmt.Errorf("%w: group %s", ErrGroupHalted, m.groupID)
	}
	if !m.started {
		return nil, fmt.Errorf("%w: no genesis epoch", ErrUnknownEpoch)
	}
	state := m.epochs[m.current]
	if !state.eare.HasMember(m.localDevice) {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, m.localDevice)
	}

	chain, err := state.sendChain(m.localDevice, m.keys)
	if err != nil {
		return nil, err
	}
	index := chain.nextIndex()
	key, err := chain.messageKeyAt(index)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key[:])

	msg := &wire.GroupMessage{
		Version:        wire.ProtocolVersion,
		GroupID:        m.groupID,
		EpochID:        m.current,
		SenderDeviceID: m.localDevice,
		MessageID:      uuid.NewString(),
		SenderIndex:    index,
	}
	aad, err := groupAAD(msg)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Seal(key, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}
	msg.IV = nonce[:]
	msg.Ciphertext = ciphertext
	return msg, nil
}

// OpenMessage decrypts a group message. Messages for a retained previous
// epoch still open; anything older, unknown, replayed, or beyond the
// forward-gap bound is rejected.
func (m *Manager) OpenMessage(msg *wire.GroupMessage) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.halted {
		return nil, fmt.Errorf("%w: group %s", ErrGroupHalted, m.groupID)
	}
	if msg.GroupID != m.groupID {
		return nil, fmt.Errorf("%w: message for group %s", ErrUnknownEpoch, msg.GroupID)
	}
	state, ok := m.epochs[msg.EpochID]
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d", ErrUnknownEpoch, msg.EpochID)
	}
	if !state.eare.HasMember(msg.SenderDeviceID) {
		return nil, fmt.Errorf("%w: %s in epoch %d", ErrNotMember, msg.SenderDeviceID, msg.EpochID)
	}
	if m.registry.Snapshot().IsRevoked(msg.SenderDeviceID) {
		return nil, fmt.Errorf("%w: %s", ErrRevokedDevice, msg.SenderDeviceID)
	}

	chain, err := state.receiveChain(msg.SenderDeviceID, m.keys)
	if err != nil {
		return nil, err
	}

	// The key derivation is staged on a chain copy and committed only once
	// the ciphertext authenticates. Header fields travel in plaintext; a
	// forged header must not consume a key the legitimate message needs.
	staged := chain.clone()
	key, err := staged.messageKeyAt(msg.SenderIndex)
	if err != nil {
		staged.wipe()
		return nil, err
	}
	defer crypto.ZeroBytes(key[:])

	aad, err := groupAAD(msg)
	if err != nil {
		staged.wipe()
		return nil, err
	}
	if len(msg.IV) != crypto.NonceSize {
		staged.wipe()
		return nil, crypto.ErrDecryptionFailed
	}
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], msg.IV)
	plaintext, err := crypto.Open(key, nonce, msg.Ciphertext, aad)
	if err != nil {
		staged.wipe()
		return nil, err
	}
	chain.adopt(staged)
	m.opens[msg.EpochID]++
	return plaintext, nil
}

// Reconcile resolves a detected fork deterministically and lifts the
// halt. When the local branch loses, its epoch state is torn down and the
// healing actions tell the caller what to repair.
func (m *Manager) Reconcile() (*Reconciliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.halted || m.fork == nil {
		return nil, fmt.Errorf("no fork pending for group %s", m.groupID)
	}
	fork := m.fork
	rec, err := reconcileFork(fork, m.index, m.opens[fork.EpochID], m.lim.ReplayWindow)
	if err != nil {
		return nil, err
	}

	local := m.epochs[fork.EpochID]
	localHash, err := local.eare.Hash()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(localHash, rec.WinnerHash) {
		// Local branch lost: tear down its chains and adopt the winner.
		// Every sender must redistribute under the winning record.
		local.wipe()
		m.keys.dropEpoch(fork.EpochID)
		delete(m.index, string(localHash))
		m.epochs[fork.EpochID] = newEpochState(m.groupID, rec.Winner, m.lim)
		m.index[string(rec.WinnerHash)] = rec.Winner
		m.opens[fork.EpochID] = 0
		if m.log != nil {
			if err := m.log.AppendForkBranch(m.groupID, rec.Loser); err != nil {
				m.logger.WithFields(logrus.Fields{
					"function": "Reconcile",
					"group_id": m.groupID,
					"error":    err,
				}).Error("Failed to persist losing fork branch")
			}
		}
	} else if m.log != nil {
		if err := m.log.AppendForkBranch(m.groupID, rec.Loser); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "Reconcile",
				"group_id": m.groupID,
				"error":    err,
			}).Error("Failed to persist losing fork branch")
		}
	}

	m.halted = false
	m.fork = nil
	return rec, nil
}

// Halted reports whether the group is frozen pending reconciliation.
func (m *Manager) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// CurrentEpoch returns the head epoch id, zero before genesis.
func (m *Manager) CurrentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CurrentEARE returns the head record, or nil before genesis.
func (m *Manager) CurrentEARE() *EARE {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	return m.epochs[m.current].eare
}

// Close wipes every chain and key the manager holds.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, state := range m.epochs {
		state.wipe()
		delete(m.epochs, id)
	}
	m.keys.dropEpoch(^uint64(0))
	m.started = false
}

// install records an already-verified EARE as the new head. Callers hold
// the lock. Epochs older than the immediate predecessor are wiped so
// in-flight messages from the previous epoch still open while anything
// older is forward-secret.
func (m *Manager) install(eare *EARE) error {
	hash, err := eare.Hash()
	if err != nil {
		return err
	}
	id := eare.Record.EpochID
	m.epochs[id] = newEpochState(m.groupID, eare, m.lim)
	m.index[string(hash)] = eare
	m.current = id
	m.started = true

	for old, state := range m.epochs {
		if old+1 < id {
			state.wipe()
			delete(m.epochs, old)
			delete(m.opens, old)
		}
	}
	if id >= 2 {
		m.keys.dropEpoch(id - 2)
	}

	if m.log != nil {
		if err := m.log.Append(m.groupID, eare); err != nil {
			m.logger.WithFields(logrus.Fields{
				"function": "install",
				"group_id": m.groupID,
				"epoch_id": id,
				"error":    err,
			}).Error("Failed to persist epoch record")
		}
	}
	return nil
}

// haltOnFork freezes the group and records both branches. Callers hold
// the lock.
func (m *Manager) haltOnFork(accepted, competitor *EARE) error {
	m.halted = true
	m.fork = &Fork{
		EpochID: accepted.Record.EpochID,
		BranchA: accepted,
		BranchB: competitor,
	}
	if compHash, err := competitor.Hash(); err == nil {
		m.index[string(compHash)] = competitor
	}
	m.logger.WithFields(logrus.Fields{
		"function": "haltOnFork",
		"group_id": m.groupID,
		"fork":     forkKey(m.groupID, accepted.Record.EpochID),
	}).Warn("Epoch fork detected, group halted")
	return fmt.Errorf("%w: epoch %d", ErrForkDetected, accepted.Record.EpochID)
}

// prevOf returns the accepted predecessor of an epoch id, or nil for the
// genesis epoch. Callers hold the lock.
func (m *Manager) prevOf(epochID uint64) *EARE {
	if epochID <= 1 {
		return nil
	}
	state, ok := m.epochs[epochID-1]
	if !ok {
		return nil
	}
	return state.eare
}

func groupAAD(msg *wire.GroupMessage) ([]byte, error) {
	return wire.ComputeAAD(wire.AADFields{
		Version:     msg.Version,
		MessageType: uint8(wire.TypeGroupMessage),
		GroupID:     msg.GroupID,
		SenderID:    msg.SenderDeviceID,
		MessageID:   msg.MessageID,
		Index:       msg.SenderIndex,
		EpochID:     msg.EpochID,
	})
}
