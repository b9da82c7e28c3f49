package ratchet

import (
	"fmt"

	"github.com/opd-ai/hushcore/crypto"
)

// skippedKey addresses one cached message key by the remote DH public key
// of its chain and the message index within that chain.
type skippedKey struct {
	remoteDH [32]byte
	index    uint32
}

// skippedStore is the bounded cache of message keys derived for messages
// that have not arrived yet. The bound is a hard limit: the caller treats
// overflow as fatal session corruption, so there is no eviction policy.
// Each key is consumed at most once.
type skippedStore struct {
	keys map[skippedKey][32]byte
	cap  int
}

func newSkippedStore(capacity int) *skippedStore {
	return &skippedStore{
		keys: make(map[skippedKey][32]byte),
		cap:  capacity,
	}
}

// put caches a derived key. It fails when the cache is at capacity.
func (s *skippedStore) put(remoteDH [32]byte, index uint32, key [32]byte) error {
	if len(s.keys) >= s.cap {
		return fmt.Errorf("%w: %d entries", ErrCacheOverflow, s.cap)
	}
	s.keys[skippedKey{remoteDH: remoteDH, index: index}] = key
	return nil
}

// peek returns a cached key without consuming it, so a caller can
// authenticate before committing the consumption.
func (s *skippedStore) peek(remoteDH [32]byte, index uint32) ([32]byte, bool) {
	key, ok := s.keys[skippedKey{remoteDH: remoteDH, index: index}]
	return key, ok
}

// take removes and returns a cached key, if present. A second take of the
// same key misses: consumption is at most once.
func (s *skippedStore) take(remoteDH [32]byte, index uint32) ([32]byte, bool) {
	k := skippedKey{remoteDH: remoteDH, index: index}
	key, ok := s.keys[k]
	if ok {
		delete(s.keys, k)
	}
	return key, ok
}

func (s *skippedStore) len() int { return len(s.keys) }

// wipe erases every cached key.
func (s *skippedStore) wipe() {
	for k, key := range s.keys {
		crypto.ZeroBytes(key[:])
		delete(s.keys, k)
	}
}
