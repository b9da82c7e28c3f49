package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	aliceShared, err := DeriveSharedSecret(bob.Public, alice.Private)
	require.NoError(t, err)
	bobShared, err := DeriveSharedSecret(alice.Public, bob.Private)
	require.NoError(t, err)

	assert.Equal(t, aliceShared, bobShared, "both sides must derive the same ECDH secret")
	assert.NotEqual(t, [32]byte{}, aliceShared)
}

func TestFromSecretKey(t *testing.T) {
	original, err := GenerateKeyPair()
	require.NoError(t, err)

	restored, err := FromSecretKey(original.Private)
	require.NoError(t, err)
	assert.Equal(t, original.Public, restored.Public, "public key must be re-derivable from the private key")

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err, "all-zero secret key must be rejected")
}

func TestDeriveKeyLabelsSeparateOutputs(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	chain, err := DeriveKey32(secret, nil, LabelChainKey, nil)
	require.NoError(t, err)
	message, err := DeriveKey32(secret, nil, LabelMessageKey, nil)
	require.NoError(t, err)

	assert.NotEqual(t, chain, message, "different labels must derive different keys")

	again, err := DeriveKey32(secret, nil, LabelChainKey, nil)
	require.NoError(t, err)
	assert.Equal(t, chain, again, "derivation must be deterministic")
}

func TestDeriveKeyRejectsEmptySecret(t *testing.T) {
	_, err := DeriveKey(nil, nil, LabelChainKey, nil, KeySize)
	assert.Error(t, err)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey32([]byte("test root secret material........"), nil, LabelMessageKey, nil)
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("attack at dawn")
	aad := []byte("header-hash")

	ciphertext, err := Seal(key, nonce, plaintext, aad)
	require.NoError(t, err)

	decrypted, err := Open(key, nonce, ciphertext, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	_, err = Open(key, nonce, ciphertext, []byte("wrong-aad"))
	assert.ErrorIs(t, err, ErrDecryptionFailed, "tampered AAD must fail authentication")

	ciphertext[0] ^= 0x01
	_, err = Open(key, nonce, ciphertext, aad)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "tampered ciphertext must fail authentication")
}

func TestDeviceBindingVerify(t *testing.T) {
	identity, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	device, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	binding, err := BindDevice(identity, "id-alice", "dev-laptop", device.Public)
	require.NoError(t, err)
	assert.True(t, binding.Verify(identity.Public))

	other, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	assert.False(t, binding.Verify(other.Public), "binding must not verify under a different identity key")

	tampered := *binding
	tampered.DeviceID = "dev-evil"
	assert.False(t, tampered.Verify(identity.Public), "modified binding fields must invalidate the signature")
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))
}
