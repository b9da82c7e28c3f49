package limits

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Limits)
	}{
		{"zero skipped key cap", func(l *Limits) { l.SkippedKeyCap = 0 }},
		{"zero index gap", func(l *Limits) { l.MaxIndexGap = 0 }},
		{"negative replay window", func(l *Limits) { l.ReplayWindow = -1 }},
		{"zero token skew", func(l *Limits) { l.TokenSkew = 0 }},
		{"zero frame bytes", func(l *Limits) { l.MaxFrameBytes = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Default()
			tt.mutate(&l)
			assert.ErrorIs(t, l.Validate(), ErrInvalidBound)
		})
	}
}

func TestLoadOverridesAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := "skipped_key_cap: 50\nmax_index_gap: 10\ntoken_skew: 5s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, l.SkippedKeyCap)
	assert.Equal(t, uint32(10), l.MaxIndexGap)
	assert.Equal(t, 5*time.Second, l.TokenSkew)

	// Unspecified fields keep defaults.
	assert.Equal(t, uint32(DefaultMaxForwardGap), l.MaxForwardGap)
	assert.Equal(t, DefaultNonceTTL, l.NonceTTL)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("skipped_key_cap: 0\n"), 0o600))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidBound)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
