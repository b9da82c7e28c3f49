package sfu

import (
	"sync"
	"time"
)

// TranscriptEntry records one routing outcome: identifiers and a
// content-addressed digest of the canonical frame header only. Payloads
// and keys never enter the transcript, so it can be handed to a third
// party for routing audit without retaining anything sensitive.
type TranscriptEntry struct {
	At            time.Time
	CallID        string
	ParticipantID string
	TrackID       string
	FrameSeq      uint64
	Accepted      bool
	Code          DenialCode
	HeaderDigest  []byte
}

// Transcript is an append-only record of every routed and denied frame.
type Transcript struct {
	mu      sync.Mutex
	entries []TranscriptEntry
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

func (tr *Transcript) append(entry TranscriptEntry) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.entries = append(tr.entries, entry)
}

// Entries returns a copy of the transcript so callers cannot mutate it.
func (tr *Transcript) Entries() []TranscriptEntry {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]TranscriptEntry, len(tr.entries))
	copy(out, tr.entries)
	return out
}

// Len returns the number of recorded outcomes.
func (tr *Transcript) Len() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.entries)
}
