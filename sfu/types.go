// Package sfu implements an untrusted media router's internal state
// machine. It authenticates participants and key requests against the
// session trust material, routes frames by opaque identifiers only, and
// flags abuse with stable denial codes. It never observes plaintext media
// or key material.
package sfu

import (
	"sync"
	"time"
)

// DenialCode is a stable machine-readable reason for refusing an
// operation. Denial is frequent and expected at a forwarding node, so
// outcomes are values, not errors.
type DenialCode string

const (
	// DenyImpersonation marks a token whose MAC does not verify.
	DenyImpersonation DenialCode = "IMPERSONATION"
	// DenyTokenExpired marks a token outside the accepted timestamp skew.
	DenyTokenExpired DenialCode = "TOKEN_EXPIRED"
	// DenyReplay marks a token nonce seen before.
	DenyReplay DenialCode = "REPLAY"
	// DenyUnauthorizedSubscribe marks a route or subscription against an
	// unknown or unauthorized (call, participant, track) tuple.
	DenyUnauthorizedSubscribe DenialCode = "UNAUTHORIZED_SUBSCRIBE"
	// DenyDuplicateRoute marks a publish against an already-used track id.
	DenyDuplicateRoute DenialCode = "DUPLICATE_ROUTE"
	// DenySimulcastSpoof marks a layer request outside the advertised set.
	DenySimulcastSpoof DenialCode = "SIMULCAST_SPOOF"
	// DenyKeyLeakAttempt marks a key request whose call id does not match
	// the grant.
	DenyKeyLeakAttempt DenialCode = "KEY_LEAK_ATTEMPT"
	// DenyStaleKeyReuse marks a key request for an epoch older than the
	// grant's.
	DenyStaleKeyReuse DenialCode = "STALE_KEY_REUSE"
	// DenyReplayTrack marks a frame at a sequence already forwarded.
	DenyReplayTrack DenialCode = "REPLAY_TRACK"
	// DenyHijackedTrack marks a frame claiming a track owned by a
	// different publisher.
	DenyHijackedTrack DenialCode = "HIJACKED_TRACK"
	// DenyBitrateAbuse marks a frame payload over the configured bound.
	DenyBitrateAbuse DenialCode = "BITRATE_ABUSE"
)

// Decision is the outcome of one SFU operation.
type Decision struct {
	Accepted bool
	Code     DenialCode
	Detail   string
}

func accept() Decision {
	return Decision{Accepted: true}
}

func deny(code DenialCode, detail string) Decision {
	return Decision{Code: code, Detail: detail}
}

// Participant is the SFU-local mirror of an authenticated join. It holds
// identifiers only.
type Participant struct {
	mu       sync.Mutex
	ID       string
	CallID   string
	JoinedAt time.Time
	left     bool
}

// Left reports whether the participant has left the call.
func (p *Participant) Left() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left
}

func (p *Participant) markLeft() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.left = true
}

// Track maps one publisher to one media stream. The subscriber set and
// the forwarding watermark are guarded per track, not by a handler-wide
// lock.
type Track struct {
	mu          sync.Mutex
	ID          string
	CallID      string
	PublisherID string
	Layers      []string
	subscribers map[string]struct{}
	lastSeq     uint64
	seqSeen     bool
	closed      bool
}

func newTrack(id, callID, publisherID string, layers []string) *Track {
	return &Track{
		ID:          id,
		CallID:      callID,
		PublisherID: publisherID,
		Layers:      append([]string(nil), layers...),
		subscribers: make(map[string]struct{}),
	}
}

// hasLayer reports whether a layer is within the advertised set. An empty
// request means the base layer and is always in bounds.
func (t *Track) hasLayer(layer string) bool {
	if layer == "" {
		return true
	}
	for _, l := range t.Layers {
		if l == layer {
			return true
		}
	}
	return false
}

// subscribe adds a subscriber under the cap. Re-subscribing is idempotent.
func (t *Track) subscribe(participantID string, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subscribers[participantID]; ok {
		return true
	}
	if len(t.subscribers) >= limit {
		return false
	}
	t.subscribers[participantID] = struct{}{}
	return true
}

// admitSeq enforces a strictly increasing frame sequence per track.
func (t *Track) admitSeq(seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seqSeen && seq <= t.lastSeq {
		return false
	}
	t.lastSeq = seq
	t.seqSeen = true
	return true
}

func (t *Track) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
}

// Closed reports whether the track has been withdrawn by its publisher.
func (t *Track) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// SubscriberCount returns the current subscriber set size.
func (t *Track) SubscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}

// KeyGrant binds a key id to (call, participant, epoch). Grants never
// hold key material; the SFU only ever learns that an id exists.
type KeyGrant struct {
	KeyID         string
	CallID        string
	ParticipantID string
	Epoch         uint64
	revoked       bool
}

// participantKey namespaces participants per call so the same client id
// in two calls stays distinct.
func participantKey(callID, participantID string) string {
	return callID + "/" + participantID
}
