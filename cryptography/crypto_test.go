package cryptography

import (
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheRustyPickle/Chirp-sub000/types"
)

var (
	keysOnce   sync.Once
	alice, bob *rsa.PrivateKey
)

func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	keysOnce.Do(func() {
		var err error
		alice, err = GenerateKeyPair()
		require.NoError(t, err)
		bob, err = GenerateKeyPair()
		require.NoError(t, err)
	})
	return alice, bob
}

func seal(t *testing.T, plain []byte) *types.MessageRecord {
	t.Helper()
	a, b := testKeys(t)
	env, err := Encrypt(plain, &a.PublicKey, &b.PublicKey)
	require.NoError(t, err)
	rec := &types.MessageRecord{FromUser: 7, ToUser: 9, MessageNumber: 1}
	env.Apply(rec)
	return rec
}

func TestEnvelopeShape(t *testing.T) {
	rec := seal(t, []byte("hello"))
	assert.Len(t, rec.SenderNonce, NonceSize)
	assert.Len(t, rec.ReceiverNonce, NonceSize)
	assert.NotEqual(t, rec.SenderNonce, rec.ReceiverNonce)
	assert.Len(t, rec.SenderKey, RSAKeyBits/8)
	assert.Len(t, rec.ReceiverKey, RSAKeyBits/8)
	assert.NotEqual(t, rec.SenderMessage, rec.ReceiverMessage)
}

func TestRoundTripBothCopies(t *testing.T) {
	a, b := testKeys(t)
	for _, size := range []int{0, 1, 31, 1024, 64 << 10} {
		plain := make([]byte, size)
		_, err := rand.Read(plain)
		require.NoError(t, err)

		rec := seal(t, plain)

		got, senderKey, err := Open(rec, a, RoleSender, nil)
		require.NoError(t, err)
		assert.Equal(t, plain, got, "sender copy, size %d", size)

		got, receiverKey, err := Open(rec, b, RoleReceiver, nil)
		require.NoError(t, err)
		assert.Equal(t, plain, got, "receiver copy, size %d", size)

		assert.Equal(t, senderKey, receiverKey, "one AES key per message")
	}
}

func TestDecryptText(t *testing.T) {
	_, b := testKeys(t)
	rec := seal(t, []byte("hello"))
	text, key, err := Decrypt(rec, b, RoleReceiver, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Len(t, key, AESKeySize)
}

func TestDecryptRejectsInvalidUTF8(t *testing.T) {
	_, b := testKeys(t)
	rec := seal(t, []byte{0xff, 0xfe, 0xfd})
	_, _, err := Decrypt(rec, b, RoleReceiver, nil)
	assert.ErrorIs(t, err, ErrInvalidUTF8)
}

func TestCachedKeyShortCircuit(t *testing.T) {
	_, b := testKeys(t)
	rec := seal(t, []byte("first"))
	_, key, err := Decrypt(rec, b, RoleReceiver, nil)
	require.NoError(t, err)

	// The cached key opens the record even without the private key.
	text, used, err := Decrypt(rec, nil, RoleReceiver, key)
	require.NoError(t, err)
	assert.Equal(t, "first", text)
	assert.Equal(t, key, used)

	// A stale cached key falls through to the RSA unwrap.
	other := seal(t, []byte("second"))
	text, used, err = Decrypt(other, b, RoleReceiver, key)
	require.NoError(t, err)
	assert.Equal(t, "second", text)
	assert.NotEqual(t, key, used)

	// Garbage in the cache is discarded silently.
	text, _, err = Decrypt(other, b, RoleReceiver, []byte("short"))
	require.NoError(t, err)
	assert.Equal(t, "second", text)
}

func TestWrongKeyFailsUnwrap(t *testing.T) {
	a, _ := testKeys(t)
	rec := seal(t, []byte("hello"))
	_, _, err := Open(rec, a, RoleReceiver, nil)
	assert.ErrorIs(t, err, ErrKeyUnwrap)
}

func TestTamperedCiphertextIsCorrupt(t *testing.T) {
	_, b := testKeys(t)
	rec := seal(t, []byte("hello"))
	rec.ReceiverMessage[0] ^= 0x01
	_, _, err := Open(rec, b, RoleReceiver, nil)
	assert.ErrorIs(t, err, ErrCorruptEnvelope)
}

func TestDeletedRecord(t *testing.T) {
	_, b := testKeys(t)
	rec := seal(t, []byte("hello"))
	rec.ClearBody()
	_, _, err := Open(rec, b, RoleReceiver, nil)
	assert.ErrorIs(t, err, ErrDeleted)
}

func TestKeyEncoding(t *testing.T) {
	a, _ := testKeys(t)

	pemPub, err := EncodePublicKey(&a.PublicKey)
	require.NoError(t, err)
	assert.Contains(t, pemPub, "BEGIN PUBLIC KEY")
	pub, err := ParsePublicKey(pemPub)
	require.NoError(t, err)
	assert.True(t, a.PublicKey.Equal(pub))

	pemPriv, err := EncodePrivateKey(a)
	require.NoError(t, err)
	priv, err := ParsePrivateKey(pemPriv)
	require.NoError(t, err)
	assert.True(t, a.Equal(priv))

	_, err = ParsePublicKey("not a key")
	assert.Error(t, err)
	_, err = ParsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
}
