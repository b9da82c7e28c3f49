package group

import (
	"fmt"

	"github.com/opd-ai/hushcore/limits"
)

// EpochState is the per-(group, epoch) view: the accepted EARE plus the
// live receive chains seeded by that epoch's sender keys. An EpochState is
// created when its EARE is accepted and superseded, never mutated, when
// the next epoch arrives.
type EpochState struct {
	eare     *EARE
	receive  map[string]*senderChain
	send     *senderChain
	sendSeen bool
	lim      limits.Limits
	groupID  string
}

func newEpochState(groupID string, eare *EARE, lim limits.Limits) *EpochState {
	return &EpochState{
		eare:    eare,
		receive: make(map[string]*senderChain),
		lim:     lim,
		groupID: groupID,
	}
}

// EpochID returns the epoch's id.
func (e *EpochState) EpochID() uint64 { return e.eare.Record.EpochID }

// EARE returns the accepted record.
func (e *EpochState) EARE() *EARE { return e.eare }

// receiveChain returns the lazily seeded chain for a sender with a
// distributed root.
func (e *EpochState) receiveChain(deviceID string, keys *senderKeyStore) (*senderChain, error) {
	if chain, ok := e.receive[deviceID]; ok {
		return chain, nil
	}
	root, ok := keys.get(e.EpochID(), deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: epoch %d device %s", ErrUnknownSender, e.EpochID(), deviceID)
	}
	chain, err := newSenderChain(root, e.groupID, e.lim)
	if err != nil {
		return nil, err
	}
	e.receive[deviceID] = chain
	return chain, nil
}

// sendChain returns the local device's chain for this epoch.
func (e *EpochState) sendChain(localDevice string, keys *senderKeyStore) (*senderChain, error) {
	if e.sendSeen {
		return e.send, nil
	}
	root, ok := keys.get(e.EpochID(), localDevice)
	if !ok {
		return nil, fmt.Errorf("%w: local root not generated for epoch %d", ErrUnknownSender, e.EpochID())
	}
	chain, err := newSenderChain(root, e.groupID, e.lim)
	if err != nil {
		return nil, err
	}
	e.send = chain
	e.sendSeen = true
	return chain, nil
}

// wipe erases every chain in the epoch.
func (e *EpochState) wipe() {
	for id, chain := range e.receive {
		chain.wipe()
		delete(e.receive, id)
	}
	if e.sendSeen {
		e.send.wipe()
		e.sendSeen = false
	}
}
