package group

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/limits"
)

// senderKeyID addresses one chain root by epoch and sender device.
type senderKeyID struct {
	epoch  uint64
	device string
}

// senderKeyStore holds the per-(epoch, sender) chain roots with
// first-write-wins semantics: a differing second distribution is a
// poisoning attempt and is rejected, never overwritten. Roots are held
// behind pointers so dropEpoch can erase the actual backing bytes.
type senderKeyStore struct {
	roots  map[senderKeyID]*[32]byte
	logger *logrus.Logger
}

func newSenderKeyStore() *senderKeyStore {
	return &senderKeyStore{
		roots:  make(map[senderKeyID]*[32]byte),
		logger: logrus.StandardLogger(),
	}
}

// accept stores a chain root for a sender. The first write wins; an
// identical re-distribution is a no-op; a differing one fails.
func (s *senderKeyStore) accept(groupID string, epochID uint64, deviceID string, root [32]byte) error {
	id := senderKeyID{epoch: epochID, device: deviceID}
	if existing, ok := s.roots[id]; ok {
		if subtle.ConstantTimeCompare(existing[:], root[:]) == 1 {
			return nil
		}
		s.logger.WithFields(logrus.Fields{
			"function":  "accept",
			"group_id":  groupID,
			"epoch_id":  epochID,
			"sender_id": deviceID,
		}).Warn("Sender key poisoning attempt: differing chain root rejected")
		return fmt.Errorf("%w: epoch %d sender %s", ErrSenderKeyPoisoning, epochID, deviceID)
	}
	stored := root
	s.roots[id] = &stored
	return nil
}

// get returns a copy of the stored root for a sender, if distributed.
func (s *senderKeyStore) get(epochID uint64, deviceID string) ([32]byte, bool) {
	root, ok := s.roots[senderKeyID{epoch: epochID, device: deviceID}]
	if !ok {
		return [32]byte{}, false
	}
	return *root, true
}

// dropEpoch erases every root at or below the given epoch. Old roots are
// retained only long enough to satisfy the forward-gap bound; callers
// decide the retention point.
func (s *senderKeyStore) dropEpoch(epochID uint64) {
	for id, root := range s.roots {
		if id.epoch <= epochID {
			crypto.ZeroBytes(root[:])
			delete(s.roots, id)
		}
	}
}

// senderChain ratchets one sender's chain forward within an epoch.
// Receive chains cache out-of-order message keys, bounded by the forward
// gap and the skipped-key capacity.
type senderChain struct {
	key     [32]byte
	next    uint32
	skipped map[uint32][32]byte
	lim     limits.Limits
}

// newSenderChain seeds a chain from a distributed root. The group id
// separates chains of distinct groups even if a root were ever reused.
func newSenderChain(root [32]byte, groupID string, lim limits.Limits) (*senderChain, error) {
	key, err := crypto.DeriveKey32(root[:], nil, crypto.LabelSenderChain, []byte(groupID))
	if err != nil {
		return nil, err
	}
	return &senderChain{
		key:     key,
		skipped: make(map[uint32][32]byte),
		lim:     lim,
	}, nil
}

// clone copies the chain so a key derivation can be staged and thrown away
// if the ciphertext fails to authenticate.
func (c *senderChain) clone() *senderChain {
	dup := &senderChain{
		key:     c.key,
		next:    c.next,
		skipped: make(map[uint32][32]byte, len(c.skipped)),
		lim:     c.lim,
	}
	for index, key := range c.skipped {
		dup.skipped[index] = key
	}
	return dup
}

// adopt replaces the chain state with a staged clone's, erasing the
// superseded chain key.
func (c *senderChain) adopt(staged *senderChain) {
	crypto.ZeroBytes(c.key[:])
	c.key = staged.key
	c.next = staged.next
	c.skipped = staged.skipped
}

// messageKeyAt returns the key for the given index, advancing the chain
// and caching intermediate keys. Each index yields a key exactly once.
func (c *senderChain) messageKeyAt(index uint32) ([32]byte, error) {
	if index < c.next {
		key, ok := c.skipped[index]
		if !ok {
			return [32]byte{}, fmt.Errorf("%w: index %d", ErrMessageReplay, index)
		}
		delete(c.skipped, index)
		return key, nil
	}
	if index-c.next > c.lim.MaxForwardGap {
		return [32]byte{}, fmt.Errorf("%w: gap %d exceeds %d", ErrForwardGapExceeded, index-c.next, c.lim.MaxForwardGap)
	}

	for c.next < index {
		if len(c.skipped) >= c.lim.SkippedKeyCap {
			return [32]byte{}, fmt.Errorf("%w: %d cached keys", ErrForwardGapExceeded, len(c.skipped))
		}
		key, err := c.advance()
		if err != nil {
			return [32]byte{}, err
		}
		c.skipped[c.next-1] = key
	}
	return c.advance()
}

// nextIndex returns the chain position for the next send.
func (c *senderChain) nextIndex() uint32 { return c.next }

// advance derives the key at the current position and steps the chain.
func (c *senderChain) advance() ([32]byte, error) {
	var indexCtx [4]byte
	binary.BigEndian.PutUint32(indexCtx[:], c.next)

	messageKey, err := crypto.DeriveKey32(c.key[:], nil, crypto.LabelMessageKey, indexCtx[:])
	if err != nil {
		return [32]byte{}, err
	}
	nextKey, err := crypto.DeriveKey32(c.key[:], nil, crypto.LabelChainKey, nil)
	if err != nil {
		crypto.ZeroBytes(messageKey[:])
		return [32]byte{}, err
	}

	crypto.ZeroBytes(c.key[:])
	c.key = nextKey
	c.next++
	return messageKey, nil
}

// wipe erases all chain material.
func (c *senderChain) wipe() {
	crypto.ZeroBytes(c.key[:])
	for idx, key := range c.skipped {
		crypto.ZeroBytes(key[:])
		delete(c.skipped, idx)
	}
}
