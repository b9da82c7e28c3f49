// Package wire defines the canonical binary encoding for every message
// the session core exchanges.
//
// All encoding uses RFC 8949 canonical CBOR: map keys sorted by byte order,
// no duplicate keys, definite-length containers only, no floating point.
// AEAD additional-authenticated-data is always the SHA-256 hash of the
// canonical encoding of a fixed field set, never raw concatenation.
package wire

// ProtocolVersion is the current wire protocol version. Messages carrying
// any other version are rejected, never silently downgraded.
const ProtocolVersion = 1

// MessageType tags the closed set of wire message variants.
type MessageType uint8

const (
	// TypeHandshakeInit opens a hybrid handshake.
	TypeHandshakeInit MessageType = iota + 1
	// TypeHandshakeResponse answers a handshake init.
	TypeHandshakeResponse
	// TypeEncryptedMessage carries a pairwise ratchet ciphertext.
	TypeEncryptedMessage
	// TypeGroupMessage carries a group ciphertext keyed by a sender chain.
	TypeGroupMessage
	// TypeKeyDistribution carries a per-epoch sender chain root. It is
	// only ever transported inside an EncryptedMessage ciphertext.
	TypeKeyDistribution
	// TypeEpochRecord carries an Epoch Authenticity Record.
	TypeEpochRecord
	// TypeMediaFrame carries an SFU media frame header plus opaque payload.
	TypeMediaFrame
)

// String returns the stable name of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeHandshakeInit:
		return "handshake-init"
	case TypeHandshakeResponse:
		return "handshake-response"
	case TypeEncryptedMessage:
		return "encrypted-message"
	case TypeGroupMessage:
		return "group-message"
	case TypeKeyDistribution:
		return "key-distribution"
	case TypeEpochRecord:
		return "epoch-record"
	case TypeMediaFrame:
		return "media-frame"
	default:
		return "unknown"
	}
}

// Message is implemented by every wire variant.
type Message interface {
	Type() MessageType
}

// HandshakeInit is the first flight of the hybrid handshake.
type HandshakeInit struct {
	Version           uint16 `cbor:"version"`
	IdentityID        string `cbor:"identity_id"`
	DeviceID          string `cbor:"device_id"`
	EphemeralKey      []byte `cbor:"x25519_public_key"`
	PQPublicKey       []byte `cbor:"kyber_public_key"`
	Nonce             []byte `cbor:"nonce"`
	Timestamp         int64  `cbor:"timestamp"`
	DeviceSignature   []byte `cbor:"device_signature"`
	IdentitySignature []byte `cbor:"identity_signature"`
}

// Type implements Message.
func (HandshakeInit) Type() MessageType { return TypeHandshakeInit }

// HandshakeResponse is the second flight of the hybrid handshake.
type HandshakeResponse struct {
	Version           uint16 `cbor:"version"`
	IdentityID        string `cbor:"identity_id"`
	DeviceID          string `cbor:"device_id"`
	EphemeralKey      []byte `cbor:"x25519_public_key"`
	PQCiphertext      []byte `cbor:"kyber_ciphertext"`
	Nonce             []byte `cbor:"nonce"`
	Timestamp         int64  `cbor:"timestamp"`
	DeviceSignature   []byte `cbor:"device_signature"`
	IdentitySignature []byte `cbor:"identity_signature"`
}

// Type implements Message.
func (HandshakeResponse) Type() MessageType { return TypeHandshakeResponse }

// EncryptedMessage is a pairwise double-ratchet ciphertext.
// DHPublicKey is present only on a ratchet step.
type EncryptedMessage struct {
	Version      uint16 `cbor:"version"`
	SessionID    string `cbor:"session_id"`
	MessageID    string `cbor:"message_id"`
	DHPublicKey  []byte `cbor:"dh_public_key,omitempty"`
	Index        uint32 `cbor:"index"`
	PrevChainLen uint32 `cbor:"prev_chain_len"`
	IV           []byte `cbor:"iv"`
	Ciphertext   []byte `cbor:"ciphertext"`
}

// Type implements Message.
func (EncryptedMessage) Type() MessageType { return TypeEncryptedMessage }

// GroupMessage is a ciphertext keyed under a sender chain at a monotonic
// per-sender index.
type GroupMessage struct {
	Version        uint16 `cbor:"version"`
	GroupID        string `cbor:"group_id"`
	EpochID        uint64 `cbor:"epoch_id"`
	SenderDeviceID string `cbor:"sender_device_id"`
	MessageID      string `cbor:"message_id"`
	SenderIndex    uint32 `cbor:"sender_index"`
	IV             []byte `cbor:"iv"`
	Ciphertext     []byte `cbor:"ciphertext"`
}

// Type implements Message.
func (GroupMessage) Type() MessageType { return TypeGroupMessage }

// KeyDistribution carries one sender's per-epoch chain root. It is never
// sent in the clear: it rides inside an EncryptedMessage on the pairwise
// session between distributor and member.
type KeyDistribution struct {
	Version        uint16 `cbor:"version"`
	GroupID        string `cbor:"group_id"`
	EpochID        uint64 `cbor:"epoch_id"`
	SenderDeviceID string `cbor:"sender_device_id"`
	ChainRoot      []byte `cbor:"chain_root"`
}

// Type implements Message.
func (KeyDistribution) Type() MessageType { return TypeKeyDistribution }

// EpochRecord is the wire form of an EARE: a hash-chained, multi-signed
// attestation of a group epoch's membership.
type EpochRecord struct {
	Version        uint16            `cbor:"version"`
	GroupID        string            `cbor:"group_id"`
	EpochID        uint64            `cbor:"epoch_id"`
	PrevEpochHash  []byte            `cbor:"previous_epoch_hash"`
	Members        []string          `cbor:"members"`
	Admins         []string          `cbor:"admins"`
	IssuerDeviceID string            `cbor:"issued_by"`
	Timestamp      int64             `cbor:"timestamp"`
	Signatures     map[string][]byte `cbor:"signatures"`
}

// Type implements Message.
func (EpochRecord) Type() MessageType { return TypeEpochRecord }

// MediaFrame is an SFU frame: a routing header plus an opaque encrypted
// payload the forwarding node never inspects.
type MediaFrame struct {
	Version       uint16 `cbor:"version"`
	CallID        string `cbor:"call_id"`
	ParticipantID string `cbor:"participant_id"`
	TrackID       string `cbor:"track_id"`
	FrameSeq      uint64 `cbor:"frame_seq"`
	MediaEpoch    uint64 `cbor:"media_epoch"`
	LayerTag      string `cbor:"layer_tag,omitempty"`
	Payload       []byte `cbor:"payload"`
}

// Type implements Message.
func (MediaFrame) Type() MessageType { return TypeMediaFrame }
