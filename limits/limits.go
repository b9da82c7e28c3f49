// Package limits provides the tunable numeric bounds for the session core.
// Bounds are configuration, not protocol: two implementations with different
// bounds still interoperate, they just tolerate different amounts of loss
// and reordering. This package keeps validation consistent across components.
package limits

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every bound. These match the reference deployment and are
// safe starting points.
const (
	// DefaultSkippedKeyCap bounds the pairwise ratchet skipped-key cache.
	DefaultSkippedKeyCap = 1000

	// DefaultMaxIndexGap bounds how far ahead a single pairwise message
	// index may jump. Exceeding it is fatal session corruption.
	DefaultMaxIndexGap = 200

	// DefaultMaxForwardGap bounds how far a group sender chain advances
	// in one receive.
	DefaultMaxForwardGap = 500

	// DefaultReplayWindow is how many messages accepted under a losing
	// fork branch are tolerated rather than retroactively invalidated.
	DefaultReplayWindow = 64

	// DefaultNonceCacheCap bounds the SFU single-use nonce cache.
	DefaultNonceCacheCap = 4096

	// DefaultSubscriberCap bounds subscribers per SFU track.
	DefaultSubscriberCap = 64

	// DefaultTokenSkew is the accepted SFU token timestamp skew.
	DefaultTokenSkew = 30 * time.Second

	// DefaultNonceTTL is how long a used nonce stays in the cache.
	DefaultNonceTTL = 5 * time.Minute

	// DefaultOperationTimeout bounds handshake and epoch-transition
	// requests that involve I/O.
	DefaultOperationTimeout = 30 * time.Second

	// DefaultMaxFrameBytes bounds an SFU frame payload, preventing
	// memory exhaustion from a single route.
	DefaultMaxFrameBytes = 1 << 20
)

var (
	// ErrInvalidBound indicates a non-positive or inconsistent bound.
	ErrInvalidBound = errors.New("invalid bound")
)

// Limits carries every tunable bound. The zero value is not usable; start
// from Default() or Load().
type Limits struct {
	SkippedKeyCap    int           `yaml:"skipped_key_cap"`
	MaxIndexGap      uint32        `yaml:"max_index_gap"`
	MaxForwardGap    uint32        `yaml:"max_forward_gap"`
	ReplayWindow     int           `yaml:"replay_window"`
	NonceCacheCap    int           `yaml:"nonce_cache_cap"`
	SubscriberCap    int           `yaml:"subscriber_cap"`
	TokenSkew        time.Duration `yaml:"token_skew"`
	NonceTTL         time.Duration `yaml:"nonce_ttl"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	MaxFrameBytes    int           `yaml:"max_frame_bytes"`
}

// Default returns the default bounds.
func Default() Limits {
	return Limits{
		SkippedKeyCap:    DefaultSkippedKeyCap,
		MaxIndexGap:      DefaultMaxIndexGap,
		MaxForwardGap:    DefaultMaxForwardGap,
		ReplayWindow:     DefaultReplayWindow,
		NonceCacheCap:    DefaultNonceCacheCap,
		SubscriberCap:    DefaultSubscriberCap,
		TokenSkew:        DefaultTokenSkew,
		NonceTTL:         DefaultNonceTTL,
		OperationTimeout: DefaultOperationTimeout,
		MaxFrameBytes:    DefaultMaxFrameBytes,
	}
}

// Validate checks every bound for sanity.
func (l Limits) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"skipped_key_cap", l.SkippedKeyCap > 0},
		{"max_index_gap", l.MaxIndexGap > 0},
		{"max_forward_gap", l.MaxForwardGap > 0},
		{"replay_window", l.ReplayWindow >= 0},
		{"nonce_cache_cap", l.NonceCacheCap > 0},
		{"subscriber_cap", l.SubscriberCap > 0},
		{"token_skew", l.TokenSkew > 0},
		{"nonce_ttl", l.NonceTTL > 0},
		{"operation_timeout", l.OperationTimeout > 0},
		{"max_frame_bytes", l.MaxFrameBytes > 0},
	}
	for _, c := range checks {
		if !c.ok {
			return fmt.Errorf("%w: %s", ErrInvalidBound, c.name)
		}
	}
	return nil
}

// Load reads bounds from a YAML file. Fields omitted from the file keep
// their defaults.
func Load(path string) (Limits, error) {
	l := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("failed to read limits file: %w", err)
	}
	if err := yaml.Unmarshal(data, &l); err != nil {
		return Limits{}, fmt.Errorf("failed to parse limits file: %w", err)
	}
	if err := l.Validate(); err != nil {
		return Limits{}, err
	}
	return l, nil
}
