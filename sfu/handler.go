package sfu

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/limits"
	"github.com/opd-ai/hushcore/wire"
)

// Handler is the SFU's request-response state machine. The handler-wide
// mutex guards only the lookup maps; participants and tracks carry their
// own locks so concurrent routes on distinct entities never contend.
type Handler struct {
	mu           sync.RWMutex
	participants map[string]*Participant
	tracks       map[string]*Track
	grants       map[string]*KeyGrant

	auth   *Authenticator
	audit  *Transcript
	clock  crypto.TimeProvider
	lim    limits.Limits
	logger *logrus.Logger
}

// NewHandler builds a handler around an authenticator.
func NewHandler(auth *Authenticator, lim limits.Limits, clock crypto.TimeProvider) (*Handler, error) {
	if auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if err := lim.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = crypto.DefaultTimeProvider{}
	}
	return &Handler{
		participants: make(map[string]*Participant),
		tracks:       make(map[string]*Track),
		grants:       make(map[string]*KeyGrant),
		auth:         auth,
		audit:        NewTranscript(),
		clock:        clock,
		lim:          lim,
		logger:       logrus.StandardLogger(),
	}, nil
}

// Audit returns the routing transcript.
func (h *Handler) Audit() *Transcript {
	return h.audit
}

// Join authenticates a token and admits the client as a participant.
func (h *Handler) Join(token Token) Decision {
	if d := h.auth.Verify(token); !d.Accepted {
		return d
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := participantKey(token.CallID, token.ClientID)
	if existing, ok := h.participants[key]; ok && !existing.Left() {
		return accept()
	}
	h.participants[key] = &Participant{
		ID:       token.ClientID,
		CallID:   token.CallID,
		JoinedAt: h.clock.Now(),
	}
	h.logger.WithFields(logrus.Fields{
		"function":       "Join",
		"call_id":        token.CallID,
		"participant_id": token.ClientID,
	}).Info("Participant joined")
	return accept()
}

// Leave removes a participant. Their tracks stop routing immediately.
func (h *Handler) Leave(callID, participantID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.participants[participantKey(callID, participantID)]; ok {
		p.markLeft()
	}
}

// Publish claims a track id for a joined participant. A second claim of
// the same id, by anyone, is DUPLICATE_ROUTE.
func (h *Handler) Publish(callID, participantID, trackID string, layers []string) Decision {
	if !h.joined(callID, participantID) {
		return deny(DenyUnauthorizedSubscribe, "publish without join")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := trackKey(callID, trackID)
	if _, ok := h.tracks[key]; ok {
		h.logger.WithFields(logrus.Fields{
			"function":       "Publish",
			"call_id":        callID,
			"participant_id": participantID,
			"track_id":       trackID,
		}).Warn("Duplicate track id rejected")
		return deny(DenyDuplicateRoute, fmt.Sprintf("track %s already published", trackID))
	}
	h.tracks[key] = newTrack(trackID, callID, participantID, layers)
	return accept()
}

// Unpublish withdraws a track. Only its publisher may do so, and the id
// stays burned: a later publish of the same id is still DUPLICATE_ROUTE,
// so a closed route can never be silently taken over.
func (h *Handler) Unpublish(callID, participantID, trackID string) Decision {
	track := h.track(callID, trackID)
	if track == nil {
		return deny(DenyUnauthorizedSubscribe, fmt.Sprintf("unknown track %s", trackID))
	}
	if track.PublisherID != participantID {
		return deny(DenyHijackedTrack, "track owned by another publisher")
	}
	track.close()
	return accept()
}

// Subscribe attaches a joined participant to an existing track at a layer
// within the advertised set, under the per-track subscriber cap.
func (h *Handler) Subscribe(callID, participantID, trackID, layer string) Decision {
	if !h.joined(callID, participantID) {
		return deny(DenyUnauthorizedSubscribe, "subscribe without join")
	}

	track := h.track(callID, trackID)
	if track == nil || track.Closed() {
		return deny(DenyUnauthorizedSubscribe, fmt.Sprintf("unknown track %s", trackID))
	}
	if !track.hasLayer(layer) {
		h.logger.WithFields(logrus.Fields{
			"function": "Subscribe",
			"call_id":  callID,
			"track_id": trackID,
			"layer":    layer,
		}).Warn("Layer outside advertised set")
		return deny(DenySimulcastSpoof, fmt.Sprintf("layer %q not advertised", layer))
	}
	if !track.subscribe(participantID, h.lim.SubscriberCap) {
		return deny(DenyUnauthorizedSubscribe, "subscriber cap reached")
	}
	return accept()
}

// Grant binds a key id to (call, participant, epoch). Issued by the
// session layer after its own authorization; the SFU stores identifiers
// only.
func (h *Handler) Grant(keyID, callID, participantID string, epoch uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.grants[keyID] = &KeyGrant{
		KeyID:         keyID,
		CallID:        callID,
		ParticipantID: participantID,
		Epoch:         epoch,
	}
}

// RequestKey authorizes release of a key blob for a grant. The call id
// must match exactly and the requested epoch must not predate the grant.
func (h *Handler) RequestKey(keyID, callID string, epoch uint64) Decision {
	h.mu.RLock()
	grant, ok := h.grants[keyID]
	h.mu.RUnlock()
	if !ok || grant.revoked {
		return deny(DenyUnauthorizedSubscribe, fmt.Sprintf("no grant for key %s", keyID))
	}
	if grant.CallID != callID {
		h.logger.WithFields(logrus.Fields{
			"function": "RequestKey",
			"key_id":   keyID,
			"call_id":  callID,
			"granted":  grant.CallID,
		}).Warn("Cross-call key request")
		return deny(DenyKeyLeakAttempt, "call id does not match grant")
	}
	if epoch < grant.Epoch {
		return deny(DenyStaleKeyReuse, fmt.Sprintf("epoch %d predates grant epoch %d", epoch, grant.Epoch))
	}
	return accept()
}

// AdvanceEpoch revokes every grant for the call below the new epoch.
// Epoch advance is the revocation mechanism; grants are never deleted
// individually.
func (h *Handler) AdvanceEpoch(callID string, epoch uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, grant := range h.grants {
		if grant.CallID == callID && grant.Epoch < epoch {
			grant.revoked = true
		}
	}
}

// RouteFrame authorizes one frame strictly by its (call, participant,
// track) tuple and records the outcome in the transcript. The payload is
// opaque; only its size is ever inspected.
func (h *Handler) RouteFrame(frame *wire.MediaFrame) Decision {
	decision := h.routeDecision(frame)

	digest, err := wire.HeaderDigest(frame)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"function": "RouteFrame",
			"call_id":  frame.CallID,
			"error":    err,
		}).Error("Header digest failed")
	}
	h.audit.append(TranscriptEntry{
		At:            h.clock.Now(),
		CallID:        frame.CallID,
		ParticipantID: frame.ParticipantID,
		TrackID:       frame.TrackID,
		FrameSeq:      frame.FrameSeq,
		Accepted:      decision.Accepted,
		Code:          decision.Code,
		HeaderDigest:  digest,
	})
	return decision
}

func (h *Handler) routeDecision(frame *wire.MediaFrame) Decision {
	if !h.joined(frame.CallID, frame.ParticipantID) {
		return deny(DenyUnauthorizedSubscribe, "frame from unjoined participant")
	}
	track := h.track(frame.CallID, frame.TrackID)
	if track == nil || track.Closed() {
		return deny(DenyUnauthorizedSubscribe, fmt.Sprintf("unknown track %s", frame.TrackID))
	}
	if track.PublisherID != frame.ParticipantID {
		h.logger.WithFields(logrus.Fields{
			"function":       "RouteFrame",
			"call_id":        frame.CallID,
			"track_id":       frame.TrackID,
			"participant_id": frame.ParticipantID,
			"publisher_id":   track.PublisherID,
		}).Warn("Frame claims another publisher's track")
		return deny(DenyHijackedTrack, "track owned by another publisher")
	}
	if !track.hasLayer(frame.LayerTag) {
		return deny(DenySimulcastSpoof, fmt.Sprintf("layer %q not advertised", frame.LayerTag))
	}
	if len(frame.Payload) > h.lim.MaxFrameBytes {
		return deny(DenyBitrateAbuse, fmt.Sprintf("payload %d bytes over bound", len(frame.Payload)))
	}
	if !track.admitSeq(frame.FrameSeq) {
		return deny(DenyReplayTrack, fmt.Sprintf("sequence %d already forwarded", frame.FrameSeq))
	}
	return accept()
}

func (h *Handler) joined(callID, participantID string) bool {
	h.mu.RLock()
	p, ok := h.participants[participantKey(callID, participantID)]
	h.mu.RUnlock()
	return ok && !p.Left()
}

func (h *Handler) track(callID, trackID string) *Track {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.tracks[trackKey(callID, trackID)]
}

func trackKey(callID, trackID string) string {
	return callID + "/" + trackID
}
