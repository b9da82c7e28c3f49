// Package ratchet implements the per-device-pair double ratchet.
//
// Two ratchets cooperate. The DH ratchet advances whenever an incoming
// message carries a new remote DH public key, healing the session after a
// compromise. The symmetric chain ratchets advance on every send and
// receive, deriving one key per message and erasing the previous chain key
// immediately, so compromising current state never reveals past messages.
//
// Each session is owned by exactly one logical actor and mutated inline on
// send and receive only; no operation blocks or suspends mid-mutation.
// Integrity violations destroy the session: recovery is always a new
// handshake, never a partial repair.
package ratchet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

// chain is one symmetric ratchet direction.
type chain struct {
	key   [32]byte
	index uint32
	ready bool
}

// seenRemoteDHCap bounds DH replay detection to the most recent remote
// ratchet keys. A replayed key older than the window re-derives chains
// whose keys cannot authenticate anything, and the staged receive path
// discards that work without touching live state.
const seenRemoteDHCap = 64

// Config seeds a session from a completed handshake. LocalDH and RemoteDH
// are the handshake ephemerals; they double as the first ratchet keys.
type Config struct {
	SessionID      string
	RootSecret     [32]byte
	LocalDH        *crypto.KeyPair
	RemoteDH       [32]byte
	Initiator      bool
	LocalDeviceID  string
	RemoteDeviceID string
	Limits         limits.Limits
}

// Session is the pairwise ratchet state. Not safe for concurrent use: the
// owning actor serializes sends and receives.
type Session struct {
	id             string
	localDeviceID  string
	remoteDeviceID string

	rootKey  [32]byte
	localDH  *crypto.KeyPair
	remoteDH [32]byte

	send         chain
	recv         chain
	prevChainLen uint32

	skipped      *skippedStore
	seenRemoteDH map[[32]byte]struct{}
	seenOrder    [][32]byte

	lim    limits.Limits
	failed bool
	logger *logrus.Logger
}

// NewSession builds a session from a handshake result.
//
// The initialisation is asymmetric, as in the double ratchet: the
// initiator seeds its send chain from a DH between the two handshake
// ephemerals, while the responder seeds its receive chain from the mirror
// DH and opens its send chain with a fresh ratchet key on first send. That
// first send carries a new DH public key, which is what sets the DH
// ratchet in motion.
func NewSession(cfg Config) (*Session, error) {
	if cfg.LocalDH == nil {
		return nil, fmt.Errorf("missing local DH key pair")
	}
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:             cfg.SessionID,
		localDeviceID:  cfg.LocalDeviceID,
		remoteDeviceID: cfg.RemoteDeviceID,
		rootKey:        cfg.RootSecret,
		localDH:        cfg.LocalDH,
		remoteDH:       cfg.RemoteDH,
		skipped:        newSkippedStore(cfg.Limits.SkippedKeyCap),
		seenRemoteDH:   make(map[[32]byte]struct{}),
		lim:            cfg.Limits,
		logger:         logrus.StandardLogger(),
	}
	s.noteRemoteDH(cfg.RemoteDH)

	shared, err := crypto.DeriveSharedSecret(cfg.RemoteDH, cfg.LocalDH.Private)
	if err != nil {
		return nil, err
	}
	chainKey, err := advanceRoot(&s.rootKey, shared)
	if err != nil {
		return nil, err
	}

	if cfg.Initiator {
		s.send = chain{key: chainKey, ready: true}
	} else {
		s.recv = chain{key: chainKey, ready: true}
	}
	return s, nil
}

// ID returns the session id shared by both sides.
func (s *Session) ID() string { return s.id }

// RemoteDeviceID returns the peer device id.
func (s *Session) RemoteDeviceID() string { return s.remoteDeviceID }

// Failed reports whether the session has been reset.
func (s *Session) Failed() bool { return s.failed }

// SkippedKeyCount returns the current skipped-key cache size.
func (s *Session) SkippedKeyCount() int { return s.skipped.len() }

// CheckRevocation destroys the session if the peer device is revoked in
// the given registry view. Revocation is a mandatory reset: no partial
// recovery, a new handshake is required.
func (s *Session) CheckRevocation(view crypto.RegistryView) error {
	if s.failed {
		return fmt.Errorf("%w: session %s", ErrSessionFailed, s.id)
	}
	if view.IsRevoked(s.remoteDeviceID) {
		s.Invalidate("remote device revoked")
		return fmt.Errorf("%w: %s", ErrRemoteRevoked, s.remoteDeviceID)
	}
	return nil
}

// Invalidate destroys the session state. Used for mandatory resets that
// originate outside the message flow, such as device revocation.
func (s *Session) Invalidate(reason string) {
	if s.failed {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"function":   "Invalidate",
		"session_id": s.id,
		"reason":     reason,
	}).Warn("Session reset; a new handshake is required")
	s.destroy()
}

// Encrypt seals plaintext as the next message on the send chain. The
// responder's first send rotates the local DH key first, opening its side
// of the DH ratchet.
func (s *Session) Encrypt(plaintext []byte) (*wire.EncryptedMessage, error) {
	if s.failed {
		return nil, ErrSessionFailed
	}

	if !s.send.ready {
		if err := s.rotateSendChain(); err != nil {
			return nil, err
		}
	}

	index := s.send.index
	messageKey, err := s.advanceChain(&s.send)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(messageKey[:])

	msg := &wire.EncryptedMessage{
		Version:      wire.ProtocolVersion,
		SessionID:    s.id,
		MessageID:    uuid.New().String(),
		DHPublicKey:  s.localDH.Public[:],
		Index:        index,
		PrevChainLen: s.prevChainLen,
	}

	aad, err := s.messageAAD(msg)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Seal(messageKey, nonce, plaintext, aad)
	if err != nil {
		return nil, err
	}

	msg.IV = nonce[:]
	msg.Ciphertext = ciphertext
	return msg, nil
}

// decryptStage accumulates the state a Decrypt would commit. Header fields
// travel in plaintext, so nothing is written to the live session until the
// ciphertext authenticates: a forged header must not consume message keys
// or ratchet state the legitimate message still needs.
type decryptStage struct {
	recv      chain
	rootKey   [32]byte
	remoteDH  [32]byte
	dhStepped bool
	pending   []stagedSkip
}

// stagedSkip is one skipped message key awaiting commit.
type stagedSkip struct {
	dh    [32]byte
	index uint32
	key   [32]byte
}

func (st *decryptStage) wipe() {
	crypto.ZeroBytes(st.rootKey[:])
	crypto.ZeroBytes(st.recv.key[:])
	for i := range st.pending {
		crypto.ZeroBytes(st.pending[i].key[:])
	}
	st.pending = nil
}

// Decrypt opens an incoming message, advancing the DH ratchet when the
// message carries a new remote DH key and caching skipped message keys for
// out-of-order delivery. Key-schedule mutations are staged and committed
// only after the ciphertext authenticates; an authentication failure
// leaves the session exactly as it was. Integrity violations in the
// authenticated flow destroy the session.
func (s *Session) Decrypt(msg *wire.EncryptedMessage) ([]byte, error) {
	if s.failed {
		return nil, ErrSessionFailed
	}
	if msg.SessionID != s.id {
		return nil, fmt.Errorf("%w: got %s", ErrSessionMismatch, msg.SessionID)
	}
	if len(msg.DHPublicKey) != 32 {
		return nil, s.fail(fmt.Errorf("%w: malformed DH key", ErrDHReplay))
	}

	var msgDH [32]byte
	copy(msgDH[:], msg.DHPublicKey)

	// Out-of-order message from the current or an earlier chain. The
	// cached key is consumed only once the ciphertext authenticates under
	// it, so a forged header at this index cannot burn the key.
	if key, ok := s.skipped.peek(msgDH, msg.Index); ok {
		plaintext, err := s.open(key, msg)
		crypto.ZeroBytes(key[:])
		if err != nil {
			return nil, err
		}
		s.skipped.take(msgDH, msg.Index)
		return plaintext, nil
	}

	st := &decryptStage{recv: s.recv, rootKey: s.rootKey, remoteDH: s.remoteDH}

	if msgDH != s.remoteDH {
		if err := s.stageDHStep(st, msgDH, msg.PrevChainLen); err != nil {
			st.wipe()
			return nil, err
		}
	}

	if !st.recv.ready {
		st.wipe()
		return nil, s.fail(fmt.Errorf("receive chain uninitialised"))
	}
	if msg.Index < st.recv.index {
		// No cached key and behind the chain: replay or regression.
		st.wipe()
		return nil, s.fail(fmt.Errorf("%w: index %d, chain at %d", ErrBackwardIndex, msg.Index, st.recv.index))
	}
	if err := s.stageSkip(st, msg.Index); err != nil {
		st.wipe()
		return nil, err
	}

	messageKey, err := s.advanceChain(&st.recv)
	if err != nil {
		st.wipe()
		return nil, err
	}
	plaintext, err := s.open(messageKey, msg)
	crypto.ZeroBytes(messageKey[:])
	if err != nil {
		st.wipe()
		return nil, err
	}

	s.commitDecrypt(st)
	return plaintext, nil
}

// rotateSendChain generates a fresh local ratchet key and opens a new send
// chain against the current remote key.
func (s *Session) rotateSendChain() error {
	newLocal, err := crypto.GenerateKeyPair()
	if err != nil {
		return s.fail(err)
	}
	shared, err := crypto.DeriveSharedSecret(s.remoteDH, newLocal.Private)
	if err != nil {
		return s.fail(err)
	}
	chainKey, err := advanceRoot(&s.rootKey, shared)
	if err != nil {
		return s.fail(err)
	}

	_ = crypto.WipeKeyPair(s.localDH)
	s.localDH = newLocal
	s.send = chain{key: chainKey, ready: true}
	return nil
}

// stageDHStep stages an incoming ratchet advance on the scratch state: the
// old receive chain's tail keys, the root step, and the new receive chain.
// The live session learns of the step only if the message authenticates.
func (s *Session) stageDHStep(st *decryptStage, newRemote [32]byte, prevChainLen uint32) error {
	if _, seen := s.seenRemoteDH[newRemote]; seen {
		return s.fail(fmt.Errorf("%w: %x", ErrDHReplay, newRemote[:8]))
	}

	// Cache the tail of the outgoing chain before leaving it behind.
	if err := s.stageSkip(st, prevChainLen); err != nil {
		return err
	}

	shared, err := crypto.DeriveSharedSecret(newRemote, s.localDH.Private)
	if err != nil {
		return s.fail(err)
	}
	chainKey, err := advanceRoot(&st.rootKey, shared)
	if err != nil {
		return s.fail(err)
	}

	crypto.ZeroBytes(st.recv.key[:])
	st.recv = chain{key: chainKey, ready: true}
	st.remoteDH = newRemote
	st.dhStepped = true
	return nil
}

// commitDecrypt applies a staged decrypt to the live session. Cache
// capacity for the pending keys was checked while staging.
func (s *Session) commitDecrypt(st *decryptStage) {
	for _, p := range st.pending {
		_ = s.skipped.put(p.dh, p.index, p.key)
	}
	st.pending = nil

	if st.dhStepped {
		s.rootKey = st.rootKey
		s.remoteDH = st.remoteDH
		s.noteRemoteDH(st.remoteDH)

		// The send chain keyed to the old remote key is obsolete. Its
		// length becomes the previous-chain marker for the next outgoing
		// chain; the chain itself rotates with a fresh local key on the
		// next Encrypt.
		if s.send.ready {
			s.prevChainLen = s.send.index
			crypto.ZeroBytes(s.send.key[:])
			s.send = chain{}
		}

		s.logger.WithFields(logrus.Fields{
			"function":   "commitDecrypt",
			"session_id": s.id,
		}).Debug("DH ratchet advanced")
	}

	if s.recv.ready {
		crypto.ZeroBytes(s.recv.key[:])
	}
	s.recv = st.recv
}

// noteRemoteDH records a remote ratchet key for replay detection, evicting
// the oldest once the window is full.
func (s *Session) noteRemoteDH(dh [32]byte) {
	if _, ok := s.seenRemoteDH[dh]; ok {
		return
	}
	s.seenRemoteDH[dh] = struct{}{}
	s.seenOrder = append(s.seenOrder, dh)
	if len(s.seenOrder) > seenRemoteDHCap {
		delete(s.seenRemoteDH, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// advanceRoot mixes a DH shared value into the root key in place and
// returns the chain key the step yields. The shared value is wiped.
func advanceRoot(rootKey *[32]byte, shared [32]byte) ([32]byte, error) {
	out, err := crypto.DeriveKey(shared[:], rootKey[:], crypto.LabelRatchetRoot, nil, 2*crypto.KeySize)
	crypto.ZeroBytes(shared[:])
	if err != nil {
		return [32]byte{}, err
	}
	copy(rootKey[:], out[:crypto.KeySize])

	var chainKey [32]byte
	copy(chainKey[:], out[crypto.KeySize:])
	crypto.ZeroBytes(out)
	return chainKey, nil
}

// stageSkip derives and stages the keys between the staged chain position
// and the target index without touching the live cache. Gap and cache
// bounds are enforced; exceeding either is fatal corruption, not silently
// ignored.
func (s *Session) stageSkip(st *decryptStage, target uint32) error {
	if !st.recv.ready || target <= st.recv.index {
		return nil
	}
	if target-st.recv.index > s.lim.MaxIndexGap {
		return s.fail(fmt.Errorf("%w: gap %d exceeds %d", ErrGapOverflow, target-st.recv.index, s.lim.MaxIndexGap))
	}
	for st.recv.index < target {
		if s.skipped.len()+len(st.pending) >= s.lim.SkippedKeyCap {
			return s.fail(fmt.Errorf("%w: %d entries", ErrCacheOverflow, s.lim.SkippedKeyCap))
		}
		index := st.recv.index
		key, err := s.advanceChain(&st.recv)
		if err != nil {
			return err
		}
		st.pending = append(st.pending, stagedSkip{dh: st.remoteDH, index: index, key: key})
	}
	return nil
}

// advanceChain derives the message key at the chain's position and steps
// the chain key forward, erasing the old chain key.
func (s *Session) advanceChain(c *chain) ([32]byte, error) {
	if !c.ready {
		return [32]byte{}, s.fail(fmt.Errorf("chain key uninitialised"))
	}

	var indexCtx [4]byte
	binary.BigEndian.PutUint32(indexCtx[:], c.index)

	messageKey, err := crypto.DeriveKey32(c.key[:], nil, crypto.LabelMessageKey, indexCtx[:])
	if err != nil {
		return [32]byte{}, s.fail(err)
	}
	nextKey, err := crypto.DeriveKey32(c.key[:], nil, crypto.LabelChainKey, nil)
	if err != nil {
		crypto.ZeroBytes(messageKey[:])
		return [32]byte{}, s.fail(err)
	}

	crypto.ZeroBytes(c.key[:])
	c.key = nextKey
	c.index++
	return messageKey, nil
}

// open authenticates and decrypts with a specific message key.
func (s *Session) open(key [32]byte, msg *wire.EncryptedMessage) ([]byte, error) {
	aad, err := s.messageAAD(msg)
	if err != nil {
		return nil, err
	}
	if len(msg.IV) != crypto.NonceSize {
		return nil, fmt.Errorf("%w: bad IV length", crypto.ErrDecryptionFailed)
	}
	var nonce [crypto.NonceSize]byte
	copy(nonce[:], msg.IV)
	return crypto.Open(key, nonce, msg.Ciphertext, aad)
}

// messageAAD binds every header field into the AEAD.
func (s *Session) messageAAD(msg *wire.EncryptedMessage) ([]byte, error) {
	return wire.ComputeAAD(wire.AADFields{
		Version:      msg.Version,
		MessageType:  uint8(wire.TypeEncryptedMessage),
		SessionID:    msg.SessionID,
		MessageID:    msg.MessageID,
		DHPublicKey:  msg.DHPublicKey,
		Index:        msg.Index,
		PrevChainLen: msg.PrevChainLen,
	})
}

// fail destroys the session and returns the error that killed it.
func (s *Session) fail(err error) error {
	s.logger.WithFields(logrus.Fields{
		"function":   "fail",
		"session_id": s.id,
		"error":      err.Error(),
	}).Warn("Ratchet integrity failure, session destroyed")
	s.destroy()
	return err
}

func (s *Session) destroy() {
	s.failed = true
	crypto.ZeroBytes(s.rootKey[:])
	crypto.ZeroBytes(s.send.key[:])
	crypto.ZeroBytes(s.recv.key[:])
	s.send.ready = false
	s.recv.ready = false
	if s.localDH != nil {
		_ = crypto.WipeKeyPair(s.localDH)
	}
	s.skipped.wipe()
}
