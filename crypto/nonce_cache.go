package crypto

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// NonceCache tracks single-use nonces to detect replays.
//
// The cache is bounded two ways: entries expire after a TTL, and when the
// capacity is reached the oldest entry is evicted first (FIFO). An evicted
// nonce can in principle be replayed, so capacity should be sized well above
// the expected nonce rate within one TTL window.
//
// The cache is safe for concurrent use.
type NonceCache struct {
	mu           sync.Mutex
	entries      map[string]*list.Element
	order        *list.List
	capacity     int
	ttl          time.Duration
	logger       *logrus.Logger
	timeProvider TimeProvider
}

type nonceEntry struct {
	nonce  string
	expiry time.Time
}

// NewNonceCache creates a nonce cache with the given capacity and entry TTL.
// Pass nil for timeProvider to use the default time provider.
func NewNonceCache(capacity int, ttl time.Duration, timeProvider TimeProvider) (*NonceCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid nonce cache capacity %d", capacity)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid nonce TTL %v", ttl)
	}
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}
	return &NonceCache{
		entries:      make(map[string]*list.Element),
		order:        list.New(),
		capacity:     capacity,
		ttl:          ttl,
		logger:       logrus.StandardLogger(),
		timeProvider: timeProvider,
	}, nil
}

// CheckAndStore checks whether the nonce has been seen and stores it if not.
// Returns true if the nonce is fresh, false if it is a replay.
func (nc *NonceCache) CheckAndStore(nonce []byte) bool {
	key := string(nonce)

	nc.mu.Lock()
	defer nc.mu.Unlock()

	now := nc.timeProvider.Now()
	nc.pruneExpired(now)

	if _, exists := nc.entries[key]; exists {
		nc.logger.WithFields(logrus.Fields{
			"function":     "CheckAndStore",
			"nonce_prefix": fmt.Sprintf("%x", truncate(nonce, 8)),
		}).Warn("Replay detected: nonce already used")
		return false
	}

	if nc.order.Len() >= nc.capacity {
		nc.evictOldest()
	}

	elem := nc.order.PushBack(&nonceEntry{nonce: key, expiry: now.Add(nc.ttl)})
	nc.entries[key] = elem
	return true
}

// Size returns the current number of cached nonces.
func (nc *NonceCache) Size() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.order.Len()
}

// pruneExpired drops entries whose TTL has passed. Entries are in insertion
// order and the TTL is uniform, so expiry order matches list order.
func (nc *NonceCache) pruneExpired(now time.Time) {
	for {
		front := nc.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*nonceEntry)
		if entry.expiry.After(now) {
			return
		}
		nc.order.Remove(front)
		delete(nc.entries, entry.nonce)
	}
}

func (nc *NonceCache) evictOldest() {
	front := nc.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*nonceEntry)
	nc.order.Remove(front)
	delete(nc.entries, entry.nonce)

	nc.logger.WithFields(logrus.Fields{
		"function": "evictOldest",
		"capacity": nc.capacity,
	}).Debug("Nonce cache full, evicted oldest entry")
}

func truncate(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}
