package group

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
)

// HealingAction is one step of the post-reconciliation repair set.
type HealingAction uint8

const (
	// HealResetSenderChains discards every sender chain keyed under the
	// forked epoch; members must redistribute roots under the winner.
	HealResetSenderChains HealingAction = iota
	// HealRequestResync asks peers for a full EARE chain and sender key
	// resync because local state accepted data under the losing branch.
	HealRequestResync
	// HealRevokeMember flags the losing branch's issuer for revocation
	// review.
	HealRevokeMember
)

// String returns the stable action name.
func (a HealingAction) String() string {
	switch a {
	case HealResetSenderChains:
		return "reset-sender-chains"
	case HealRequestResync:
		return "request-resync"
	case HealRevokeMember:
		return "revoke-member"
	default:
		return "unknown"
	}
}

// Fork records two validly signed EAREs sharing an epoch id with differing
// hashes. This is the expected adversarial case under a compromised or
// partitioned routing layer, not an exceptional one.
// BranchA is always the branch the local device accepted and read under;
// BranchB is the competitor that triggered the halt.
type Fork struct {
	EpochID uint64
	BranchA *EARE
	BranchB *EARE
	// LosingAccepts is filled during reconciliation: messages the local
	// device accepted under its own branch count against the replay
	// window only when that branch turns out to be the loser.
	LosingAccepts int
}

// Reconciliation is the deterministic outcome of resolving a Fork.
type Reconciliation struct {
	Winner     *EARE
	Loser      *EARE
	WinnerHash []byte
	Actions    []HealingAction
	// RetainedAccepts is how many losing-branch messages stay valid: those
	// inside the tolerated replay window are not retroactively invalidated.
	RetainedAccepts int
	// RevokeCandidate names the losing issuer when HealRevokeMember is
	// among the actions.
	RevokeCandidate string
}

// reconcileFork deterministically selects the winning branch:
// the branch with the longest valid hash-chain depth through the known
// record index wins; on equal depth the lexicographically smallest EARE
// hash wins. Re-running on the same two records always selects the same
// winner.
//
// acceptsUnderA counts messages the caller accepted under BranchA, its
// own branch. They count as losing-branch accepts only when BranchA
// loses; accepts inside the replay window stay valid, anything beyond the
// window needs a full resync.
func reconcileFork(fork *Fork, index map[string]*EARE, acceptsUnderA, replayWindow int) (*Reconciliation, error) {
	hashA, err := fork.BranchA.Hash()
	if err != nil {
		return nil, err
	}
	hashB, err := fork.BranchB.Hash()
	if err != nil {
		return nil, err
	}

	depthA := chainDepth(fork.BranchA, index)
	depthB := chainDepth(fork.BranchB, index)

	winner, loser, winnerHash := fork.BranchA, fork.BranchB, hashA
	switch {
	case depthA > depthB:
	case depthB > depthA:
		winner, loser, winnerHash = fork.BranchB, fork.BranchA, hashB
	case bytes.Compare(hashB, hashA) < 0:
		winner, loser, winnerHash = fork.BranchB, fork.BranchA, hashB
	}

	losingAccepts := 0
	if loser == fork.BranchA {
		losingAccepts = acceptsUnderA
	}
	fork.LosingAccepts = losingAccepts

	retained := losingAccepts
	if retained > replayWindow {
		retained = replayWindow
	}
	actions := []HealingAction{HealResetSenderChains}
	if losingAccepts > replayWindow {
		actions = append(actions, HealRequestResync)
	}
	rec := &Reconciliation{
		Winner:          winner,
		Loser:           loser,
		WinnerHash:      winnerHash,
		Actions:         actions,
		RetainedAccepts: retained,
	}
	if loser.Record.IssuerDeviceID != winner.Record.IssuerDeviceID {
		rec.Actions = append(rec.Actions, HealRevokeMember)
		rec.RevokeCandidate = loser.Record.IssuerDeviceID
	}

	logrus.WithFields(logrus.Fields{
		"function":    "reconcileFork",
		"epoch_id":    fork.EpochID,
		"winner_hash": hex.EncodeToString(winnerHash[:8]),
		"depth_a":     depthA,
		"depth_b":     depthB,
	}).Warn("Epoch fork reconciled")

	return rec, nil
}

// chainDepth walks previous-epoch hashes through the known record index,
// counting valid ancestors. A broken or unknown link ends the walk; a
// cycle cannot occur because each step strictly decreases the epoch id.
func chainDepth(eare *EARE, index map[string]*EARE) int {
	depth := 0
	cursor := eare
	for len(cursor.Record.PrevEpochHash) > 0 {
		parent, ok := index[string(cursor.Record.PrevEpochHash)]
		if !ok {
			break
		}
		if parent.Record.EpochID >= cursor.Record.EpochID {
			break
		}
		depth++
		cursor = parent
	}
	return depth
}

// forkKey names a fork for logging.
func forkKey(groupID string, epochID uint64) string {
	return fmt.Sprintf("%s@%d", groupID, epochID)
}
