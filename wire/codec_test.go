package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCanonicalDeterministic(t *testing.T) {
	msg := &GroupMessage{
		Version:        ProtocolVersion,
		GroupID:        "grp-1",
		EpochID:        3,
		SenderDeviceID: "dev-a",
		MessageID:      "msg-1",
		SenderIndex:    7,
		IV:             make([]byte, 12),
		Ciphertext:     []byte{0xde, 0xad},
	}

	first, err := EncodeMessage(msg)
	require.NoError(t, err)
	second, err := EncodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "canonical encoding must be byte-for-byte deterministic")
}

func TestDecodeMessageRoundTripAllVariants(t *testing.T) {
	messages := []Message{
		&HandshakeInit{Version: ProtocolVersion, IdentityID: "id-a", DeviceID: "dev-a", EphemeralKey: make([]byte, 32), PQPublicKey: []byte{1}, Nonce: []byte{2}, Timestamp: 10},
		&HandshakeResponse{Version: ProtocolVersion, IdentityID: "id-b", DeviceID: "dev-b", EphemeralKey: make([]byte, 32), PQCiphertext: []byte{3}, Nonce: []byte{4}, Timestamp: 11},
		&EncryptedMessage{Version: ProtocolVersion, SessionID: "sess", MessageID: "m1", Index: 5, PrevChainLen: 2, IV: make([]byte, 12), Ciphertext: []byte{5}},
		&GroupMessage{Version: ProtocolVersion, GroupID: "grp", EpochID: 1, SenderDeviceID: "dev-a", MessageID: "m2", SenderIndex: 0, IV: make([]byte, 12), Ciphertext: []byte{6}},
		&KeyDistribution{Version: ProtocolVersion, GroupID: "grp", EpochID: 1, SenderDeviceID: "dev-a", ChainRoot: make([]byte, 32)},
		&EpochRecord{Version: ProtocolVersion, GroupID: "grp", EpochID: 2, PrevEpochHash: make([]byte, 32), Members: []string{"dev-a"}, Admins: []string{"dev-a"}, IssuerDeviceID: "dev-a", Timestamp: 12, Signatures: map[string][]byte{"dev-a": {7}}},
		&MediaFrame{Version: ProtocolVersion, CallID: "call", ParticipantID: "p1", TrackID: "t1", FrameSeq: 9, MediaEpoch: 1, LayerTag: "low", Payload: []byte{8}},
	}

	for _, msg := range messages {
		t.Run(msg.Type().String(), func(t *testing.T) {
			encoded, err := EncodeMessage(msg)
			require.NoError(t, err)

			decoded, err := DecodeMessage(encoded)
			require.NoError(t, err)
			assert.Equal(t, msg.Type(), decoded.Type())
			assert.Equal(t, msg, decoded)
		})
	}
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	encoded, err := EncodeCanonical(envelope{Type: MessageType(99), Body: []byte{0xa0}})
	require.NoError(t, err)

	_, err = DecodeMessage(encoded)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeMessageRejectsVersionMismatch(t *testing.T) {
	encoded, err := EncodeMessage(&EncryptedMessage{
		Version:   ProtocolVersion + 1,
		SessionID: "sess",
		IV:        make([]byte, 12),
	})
	require.NoError(t, err)

	_, err = DecodeMessage(encoded)
	assert.ErrorIs(t, err, ErrVersionMismatch, "version mismatch must be rejected, never downgraded")
}

func TestDecodeStrictRejectsGarbage(t *testing.T) {
	var m EncryptedMessage
	err := DecodeStrict([]byte{0xff, 0x00, 0x13}, &m)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestComputeAADSensitivity(t *testing.T) {
	base := AADFields{Version: ProtocolVersion, MessageType: uint8(TypeEncryptedMessage), SessionID: "sess", Index: 4}

	first, err := ComputeAAD(base)
	require.NoError(t, err)
	require.Len(t, first, 32)

	same, err := ComputeAAD(base)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	changed := base
	changed.Index = 5
	other, err := ComputeAAD(changed)
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "AAD must commit to every header field")
}

func TestHeaderDigestExcludesPayload(t *testing.T) {
	frame := &MediaFrame{Version: ProtocolVersion, CallID: "call", ParticipantID: "p1", TrackID: "t1", FrameSeq: 1, MediaEpoch: 1, Payload: []byte("secret media")}

	digest, err := HeaderDigest(frame)
	require.NoError(t, err)

	samePayloadChanged := *frame
	samePayloadChanged.Payload = []byte("different media")
	digest2, err := HeaderDigest(&samePayloadChanged)
	require.NoError(t, err)
	assert.Equal(t, digest, digest2, "digest must cover identifiers only, never payload")

	headerChanged := *frame
	headerChanged.FrameSeq = 2
	digest3, err := HeaderDigest(&headerChanged)
	require.NoError(t, err)
	assert.NotEqual(t, digest, digest3)
}
