package group

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/opd-ai/hushcore/crypto"
	"github.com/opd-ai/hushcore/wire"
)

// EARE is an Epoch Authenticity Record: the hash-chained, multi-signed
// attestation of one epoch's membership. The wire form is
// wire.EpochRecord; this wrapper caches the content hash.
type EARE struct {
	Record wire.EpochRecord
	hash   []byte
}

// NewEARE builds an unsigned record. Member and admin lists are sorted so
// the canonical encoding, and therefore the hash, is independent of input
// order. Every admin must be a member.
func NewEARE(groupID string, epochID uint64, prevHash []byte, members, admins []string, issuer string, timestamp int64) (*EARE, error) {
	members = sortedUnique(members)
	admins = sortedUnique(admins)
	if len(members) == 0 {
		return nil, fmt.Errorf("epoch must have at least one member")
	}
	if len(admins) == 0 {
		return nil, fmt.Errorf("epoch must have at least one admin")
	}
	for _, admin := range admins {
		if !containsSorted(members, admin) {
			return nil, fmt.Errorf("admin %s is not a member", admin)
		}
	}

	return &EARE{Record: wire.EpochRecord{
		Version:        wire.ProtocolVersion,
		GroupID:        groupID,
		EpochID:        epochID,
		PrevEpochHash:  prevHash,
		Members:        members,
		Admins:         admins,
		IssuerDeviceID: issuer,
		Timestamp:      timestamp,
		Signatures:     make(map[string][]byte),
	}}, nil
}

// FromRecord wraps a decoded wire record.
func FromRecord(record wire.EpochRecord) *EARE {
	return &EARE{Record: record}
}

// Hash returns the SHA-256 of the canonical encoding of the record with
// signatures stripped. Signatures sign this hash, so they cannot be part
// of it.
func (e *EARE) Hash() ([]byte, error) {
	if e.hash != nil {
		return e.hash, nil
	}
	core := e.Record
	core.Signatures = nil
	encoded, err := wire.EncodeCanonical(core)
	if err != nil {
		return nil, fmt.Errorf("EARE encoding failed: %w", err)
	}
	sum := sha256.Sum256(encoded)
	e.hash = sum[:]
	return e.hash, nil
}

// Signer matches the key-store signing capability: sign without exposing
// raw private key material.
type Signer interface {
	Sign(message []byte) (crypto.Signature, error)
}

// Sign adds a signature over the record hash for the given device.
func (e *EARE) Sign(deviceID string, signer Signer) error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(hash)
	if err != nil {
		return fmt.Errorf("EARE signing failed: %w", err)
	}
	e.Record.Signatures[deviceID] = sig[:]
	return nil
}

// HasMember reports membership of a device id.
func (e *EARE) HasMember(deviceID string) bool {
	return containsSorted(e.Record.Members, deviceID)
}

// HasAdmin reports whether a device id is in the admin set.
func (e *EARE) HasAdmin(deviceID string) bool {
	return containsSorted(e.Record.Admins, deviceID)
}

// Verify checks the record against the chain and the registry view:
// the previous-epoch hash must match prev exactly (nil prev means a
// genesis record with an empty previous hash), and at least one signature
// must verify under the device key of an authorizing admin. Authorization
// comes from the previous epoch's admin set; a genesis record authorizes
// itself.
func (e *EARE) Verify(view crypto.RegistryView, prev *EARE) error {
	hash, err := e.Hash()
	if err != nil {
		return err
	}

	var wantPrev []byte
	authorizers := e.Record.Admins
	if prev != nil {
		wantPrev, err = prev.Hash()
		if err != nil {
			return err
		}
		if e.Record.EpochID != prev.Record.EpochID+1 {
			return fmt.Errorf("%w: epoch %d does not follow %d", ErrChainBreak, e.Record.EpochID, prev.Record.EpochID)
		}
		authorizers = prev.Record.Admins
	}
	if !bytes.Equal(e.Record.PrevEpochHash, wantPrev) {
		return fmt.Errorf("%w: previous hash mismatch at epoch %d", ErrChainBreak, e.Record.EpochID)
	}

	for _, admin := range authorizers {
		sigBytes, ok := e.Record.Signatures[admin]
		if !ok || len(sigBytes) != crypto.SignatureSize {
			continue
		}
		rec, err := view.Device(admin)
		if err != nil || rec.Status == crypto.DeviceRevoked {
			continue
		}
		var sig crypto.Signature
		copy(sig[:], sigBytes)
		if crypto.VerifySignature(rec.DeviceKey, hash, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: epoch %d", ErrNoAdminSignature, e.Record.EpochID)
}

func sortedUnique(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	dedup := out[:0]
	for i, v := range out {
		if i == 0 || out[i-1] != v {
			dedup = append(dedup, v)
		}
	}
	return dedup
}

func containsSorted(sorted []string, v string) bool {
	i := sort.SearchStrings(sorted, v)
	return i < len(sorted) && sorted[i] == v
}
