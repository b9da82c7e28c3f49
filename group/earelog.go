package group

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/hushcore/wire"
)

// EpochLog persists accepted EAREs in an append-only bbolt store, one
// bucket per group, keyed by big-endian epoch id. Both branches of a
// detected fork are retained under a fork sub-bucket so reconciliation
// is replayable after restart.
type EpochLog struct {
	db *bolt.DB
}

var (
	logBucketEpochs = []byte("epochs")
	logBucketForks  = []byte("forks")
)

// OpenEpochLog opens or creates the log file at path.
func OpenEpochLog(path string) (*EpochLog, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open epoch log: %w", err)
	}
	return &EpochLog{db: db}, nil
}

// Close releases the underlying store.
func (l *EpochLog) Close() error {
	return l.db.Close()
}

// Append stores an accepted EARE. Overwriting an existing epoch id with
// different bytes is refused; the caller must route that through the
// fork path instead.
func (l *EpochLog) Append(groupID string, eare *EARE) error {
	blob, err := wire.EncodeCanonical(eare.Record)
	if err != nil {
		return err
	}
	key := epochKey(eare.Record.EpochID)
	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(groupID))
		if err != nil {
			return err
		}
		bkt, err := root.CreateBucketIfNotExists(logBucketEpochs)
		if err != nil {
			return err
		}
		if existing := bkt.Get(key); existing != nil {
			if string(existing) == string(blob) {
				return nil
			}
			return ErrForkDetected
		}
		return bkt.Put(key, blob)
	})
}

// AppendForkBranch retains a losing or unresolved fork branch keyed by
// its record hash so later audits can inspect both sides.
func (l *EpochLog) AppendForkBranch(groupID string, eare *EARE) error {
	blob, err := wire.EncodeCanonical(eare.Record)
	if err != nil {
		return err
	}
	hash, err := eare.Hash()
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists([]byte(groupID))
		if err != nil {
			return err
		}
		bkt, err := root.CreateBucketIfNotExists(logBucketForks)
		if err != nil {
			return err
		}
		return bkt.Put(hash, blob)
	})
}

// Load returns the stored EARE for an epoch id, or ErrUnknownEpoch.
func (l *EpochLog) Load(groupID string, epochID uint64) (*EARE, error) {
	var blob []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(groupID))
		if root == nil {
			return ErrUnknownEpoch
		}
		bkt := root.Bucket(logBucketEpochs)
		if bkt == nil {
			return ErrUnknownEpoch
		}
		v := bkt.Get(epochKey(epochID))
		if v == nil {
			return ErrUnknownEpoch
		}
		blob = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	var rec wire.EpochRecord
	if err := wire.DecodeStrict(blob, &rec); err != nil {
		return nil, err
	}
	return &EARE{Record: rec}, nil
}

// Replay walks the stored chain in epoch order, calling fn for each
// record. Iteration stops at the first error.
func (l *EpochLog) Replay(groupID string, fn func(*EARE) error) error {
	return l.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(groupID))
		if root == nil {
			return nil
		}
		bkt := root.Bucket(logBucketEpochs)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			var rec wire.EpochRecord
			if err := wire.DecodeStrict(v, &rec); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Replay",
					"group_id": groupID,
					"error":    err,
				}).Error("Corrupt epoch record in log")
				return err
			}
			return fn(&EARE{Record: rec})
		})
	})
}

func epochKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}
