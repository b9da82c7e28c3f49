package sfu

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

func newTestHandler(t *testing.T, lim limits.Limits) *Handler {
	t.Helper()
	clock := fixedTimeProvider{now: time.Unix(1000, 0)}
	auth, err := NewAuthenticator(lim, clock)
	require.NoError(t, err)
	h, err := NewHandler(auth, lim, clock)
	require.NoError(t, err)
	return h
}

// joinParticipant registers a key and authenticates a join.
func joinParticipant(t *testing.T, h *Handler, callID, clientID string) {
	t.Helper()
	var key [32]byte
	copy(key[:], clientID)
	h.auth.RegisterKey(callID, clientID, key)
	token, err := MintToken(key, Token{
		CallID:    callID,
		ClientID:  clientID,
		Timestamp: 1000,
		Nonce:     []byte("join-nonce-" + clientID),
	})
	require.NoError(t, err)
	d := h.Join(token)
	require.True(t, d.Accepted, "join denied: %s %s", d.Code, d.Detail)
}

func TestUnauthenticatedJoinRejected(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	var key [32]byte
	token, err := MintToken(key, Token{
		CallID:    "call-1",
		ClientID:  "ghost",
		Timestamp: 1000,
		Nonce:     []byte("n1"),
	})
	require.NoError(t, err)

	d := h.Join(token)
	assert.False(t, d.Accepted)
	assert.Equal(t, DenyImpersonation, d.Code)

	// Without a join, neither publish nor subscribe succeeds.
	assert.Equal(t, DenyUnauthorizedSubscribe, h.Publish("call-1", "ghost", "t1", nil).Code)
	assert.Equal(t, DenyUnauthorizedSubscribe, h.Subscribe("call-1", "ghost", "t1", "").Code)
}

func TestPublishDuplicateTrackRejected(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	joinParticipant(t, h, "call-1", "bob")

	require.True(t, h.Publish("call-1", "alice", "t1", []string{"low"}).Accepted)

	d := h.Publish("call-1", "bob", "t1", []string{"low"})
	assert.False(t, d.Accepted)
	assert.Equal(t, DenyDuplicateRoute, d.Code)

	// The same publisher re-claiming its own id is still a duplicate.
	d = h.Publish("call-1", "alice", "t1", []string{"low"})
	assert.Equal(t, DenyDuplicateRoute, d.Code)
}

func TestSubscribeLayerOutsideAdvertisedSet(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	joinParticipant(t, h, "call-1", "bob")
	require.True(t, h.Publish("call-1", "alice", "t1", []string{"low", "medium"}).Accepted)

	d := h.Subscribe("call-1", "bob", "t1", "high")
	assert.False(t, d.Accepted)
	assert.Equal(t, DenySimulcastSpoof, d.Code)

	assert.True(t, h.Subscribe("call-1", "bob", "t1", "medium").Accepted)
}

func TestSubscribeUnknownTrack(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "bob")

	d := h.Subscribe("call-1", "bob", "missing", "")
	assert.Equal(t, DenyUnauthorizedSubscribe, d.Code)
}

func TestSubscriberCapEnforced(t *testing.T) {
	lim := limits.Default()
	lim.SubscriberCap = 2
	h := newTestHandler(t, lim)
	joinParticipant(t, h, "call-1", "pub")
	require.True(t, h.Publish("call-1", "pub", "t1", nil).Accepted)

	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("sub-%d", i)
		joinParticipant(t, h, "call-1", name)
		require.True(t, h.Subscribe("call-1", name, "t1", "").Accepted)
	}
	joinParticipant(t, h, "call-1", "sub-over")
	d := h.Subscribe("call-1", "sub-over", "t1", "")
	assert.False(t, d.Accepted)

	// Re-subscribing an existing subscriber is idempotent, not a cap hit.
	assert.True(t, h.Subscribe("call-1", "sub-0", "t1", "").Accepted)
}

func TestKeyGrantCallMismatch(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	h.Grant("key-1", "call-1", "alice", 3)

	d := h.RequestKey("key-1", "call-2", 3)
	assert.False(t, d.Accepted)
	assert.Equal(t, DenyKeyLeakAttempt, d.Code)
}

func TestKeyGrantStaleEpoch(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	h.Grant("key-1", "call-1", "alice", 3)

	d := h.RequestKey("key-1", "call-1", 2)
	assert.Equal(t, DenyStaleKeyReuse, d.Code)

	assert.True(t, h.RequestKey("key-1", "call-1", 3).Accepted)
	assert.True(t, h.RequestKey("key-1", "call-1", 5).Accepted)
}

func TestAdvanceEpochRevokesOldGrants(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	h.Grant("key-old", "call-1", "alice", 3)
	h.Grant("key-new", "call-1", "alice", 4)

	h.AdvanceEpoch("call-1", 4)

	assert.False(t, h.RequestKey("key-old", "call-1", 4).Accepted)
	assert.True(t, h.RequestKey("key-new", "call-1", 4).Accepted)
}

func publishFrame(callID, participantID, trackID string, seq uint64, layer string, payload []byte) *wire.MediaFrame {
	return &wire.MediaFrame{
		Version:       wire.ProtocolVersion,
		CallID:        callID,
		ParticipantID: participantID,
		TrackID:       trackID,
		FrameSeq:      seq,
		MediaEpoch:    1,
		LayerTag:      layer,
		Payload:       payload,
	}
}

func TestRouteFrameAcceptsAndAudits(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	require.True(t, h.Publish("call-1", "alice", "t1", []string{"low"}).Accepted)

	d := h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "low", []byte("opaque")))
	assert.True(t, d.Accepted)

	entries := h.Audit().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "call-1", entries[0].CallID)
	assert.Equal(t, "t1", entries[0].TrackID)
	assert.True(t, entries[0].Accepted)
	assert.NotEmpty(t, entries[0].HeaderDigest)
}

func TestRouteFrameAuditDigestExcludesPayload(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "", []byte("payload-one")))
	h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "", []byte("payload-two")))

	entries := h.Audit().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, entries[0].HeaderDigest, entries[1].HeaderDigest,
		"digest covers the header only, payload must not change it")
}

func TestRouteFrameHijackedTrack(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	joinParticipant(t, h, "call-1", "mallory")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	d := h.RouteFrame(publishFrame("call-1", "mallory", "t1", 1, "", nil))
	assert.Equal(t, DenyHijackedTrack, d.Code)
}

func TestRouteFrameSequenceReplay(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	require.True(t, h.RouteFrame(publishFrame("call-1", "alice", "t1", 5, "", nil)).Accepted)

	assert.Equal(t, DenyReplayTrack, h.RouteFrame(publishFrame("call-1", "alice", "t1", 5, "", nil)).Code)
	assert.Equal(t, DenyReplayTrack, h.RouteFrame(publishFrame("call-1", "alice", "t1", 4, "", nil)).Code)
	assert.True(t, h.RouteFrame(publishFrame("call-1", "alice", "t1", 6, "", nil)).Accepted)
}

func TestRouteFrameOversizedPayload(t *testing.T) {
	lim := limits.Default()
	lim.MaxFrameBytes = 16
	h := newTestHandler(t, lim)
	joinParticipant(t, h, "call-1", "alice")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	d := h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "", make([]byte, 17)))
	assert.Equal(t, DenyBitrateAbuse, d.Code)
}

func TestRouteFrameAfterLeave(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	h.Leave("call-1", "alice")
	d := h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "", nil))
	assert.Equal(t, DenyUnauthorizedSubscribe, d.Code)
}

func TestUnpublishBurnsTrackID(t *testing.T) {
	h := newTestHandler(t, limits.Default())
	joinParticipant(t, h, "call-1", "alice")
	joinParticipant(t, h, "call-1", "bob")
	require.True(t, h.Publish("call-1", "alice", "t1", nil).Accepted)

	// Only the publisher may withdraw the track.
	assert.Equal(t, DenyHijackedTrack, h.Unpublish("call-1", "bob", "t1").Code)
	require.True(t, h.Unpublish("call-1", "alice", "t1").Accepted)

	// The route is gone, and the id stays burned for everyone.
	assert.Equal(t, DenyUnauthorizedSubscribe, h.RouteFrame(publishFrame("call-1", "alice", "t1", 1, "", nil)).Code)
	assert.Equal(t, DenyUnauthorizedSubscribe, h.Subscribe("call-1", "bob", "t1", "").Code)
	assert.Equal(t, DenyDuplicateRoute, h.Publish("call-1", "bob", "t1", nil).Code)
}
