package wire

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec modes are built once at init. CanonicalEncOptions gives RFC 8949
// canonical form; the decoder additionally forbids the constructs canonical
// form never produces so both sides agree bit-for-bit on valid input.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building canonical encoder: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: building strict decoder: %v", err))
	}
}

// EncodeCanonical encodes a value using RFC 8949 canonical CBOR rules.
func EncodeCanonical(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical encoding failed: %w", err)
	}
	return data, nil
}

// DecodeStrict decodes canonical CBOR into v, rejecting duplicate map keys
// and indefinite-length containers.
func DecodeStrict(data []byte, v any) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// envelope is the outer frame tagging the variant.
type envelope struct {
	Type MessageType     `cbor:"type"`
	Body cbor.RawMessage `cbor:"body"`
}

// EncodeMessage wraps a message in a tagged envelope and encodes it
// canonically.
func EncodeMessage(msg Message) ([]byte, error) {
	body, err := EncodeCanonical(msg)
	if err != nil {
		return nil, err
	}
	return EncodeCanonical(envelope{Type: msg.Type(), Body: body})
}

// DecodeMessage decodes a tagged envelope into its concrete variant. The
// variant set is closed: every known tag is matched explicitly and an
// unknown tag is a typed error, never a silently skipped field-probe.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := DecodeStrict(data, &env); err != nil {
		return nil, err
	}

	var (
		msg     Message
		version uint16
	)
	switch env.Type {
	case TypeHandshakeInit:
		var m HandshakeInit
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeHandshakeResponse:
		var m HandshakeResponse
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeEncryptedMessage:
		var m EncryptedMessage
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeGroupMessage:
		var m GroupMessage
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeKeyDistribution:
		var m KeyDistribution
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeEpochRecord:
		var m EpochRecord
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	case TypeMediaFrame:
		var m MediaFrame
		if err := DecodeStrict(env.Body, &m); err != nil {
			return nil, err
		}
		msg, version = &m, m.Version
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, env.Type)
	}

	if version != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, ProtocolVersion)
	}
	return msg, nil
}

// AADFields is the fixed field set bound into every AEAD operation. Unused
// fields stay at their zero value; the canonical encoding still commits to
// them so both sides hash identical bytes.
type AADFields struct {
	Version      uint16 `cbor:"version"`
	MessageType  uint8  `cbor:"type"`
	SessionID    string `cbor:"session_id,omitempty"`
	GroupID      string `cbor:"group_id,omitempty"`
	CallID       string `cbor:"call_id,omitempty"`
	SenderID     string `cbor:"sender_id,omitempty"`
	RecipientID  string `cbor:"recipient_id,omitempty"`
	MessageID    string `cbor:"message_id,omitempty"`
	Timestamp    int64  `cbor:"timestamp,omitempty"`
	DHPublicKey  []byte `cbor:"dh_public_key,omitempty"`
	Index        uint32 `cbor:"index"`
	PrevChainLen uint32 `cbor:"prev_chain_len"`
	EpochID      uint64 `cbor:"epoch_id,omitempty"`
}

// ComputeAAD hashes the canonical encoding of the fixed AAD field set.
// AEAD implementations receive this hash, never raw field concatenation.
func ComputeAAD(fields AADFields) ([]byte, error) {
	encoded, err := EncodeCanonical(fields)
	if err != nil {
		return nil, fmt.Errorf("AAD encoding failed: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}

// HeaderDigest content-addresses a media frame's routing header: the
// canonical encoding of identifiers only, hashed. The payload is excluded
// so audit transcripts never retain anything sensitive.
func HeaderDigest(frame *MediaFrame) ([]byte, error) {
	header := MediaFrame{
		Version:       frame.Version,
		CallID:        frame.CallID,
		ParticipantID: frame.ParticipantID,
		TrackID:       frame.TrackID,
		FrameSeq:      frame.FrameSeq,
		MediaEpoch:    frame.MediaEpoch,
		LayerTag:      frame.LayerTag,
	}
	encoded, err := EncodeCanonical(header)
	if err != nil {
		return nil, fmt.Errorf("header digest encoding failed: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return sum[:], nil
}
