package cryptography

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/TheRustyPickle/Chirp-sub000/types"
)

const (
	RSAKeyBits = 2048
	AESKeySize = 32
	NonceSize  = 12
)

var (
	ErrCorruptEnvelope = errors.New("corrupt envelope")
	ErrKeyUnwrap       = errors.New("failed to unwrap message key")
	ErrInvalidUTF8     = errors.New("plaintext is not valid utf-8")
	ErrDeleted         = errors.New("message has been deleted")
)

// Role selects which copy of a record the caller holds the key for.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "receiver"
}

// Copy is the per endpoint half of an envelope.
type Copy struct {
	Ciphertext []byte
	WrappedKey []byte
}

// Envelope holds one plaintext encrypted for both endpoints under a single
// AES key.
type Envelope struct {
	Sender        Copy
	Receiver      Copy
	SenderNonce   []byte
	ReceiverNonce []byte
}

// Apply copies the six ciphertext fields into rec.
func (e *Envelope) Apply(rec *types.MessageRecord) {
	rec.SenderMessage = e.Sender.Ciphertext
	rec.SenderKey = e.Sender.WrappedKey
	rec.SenderNonce = e.SenderNonce
	rec.ReceiverMessage = e.Receiver.Ciphertext
	rec.ReceiverKey = e.Receiver.WrappedKey
	rec.ReceiverNonce = e.ReceiverNonce
}

func GenerateKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
	if err != nil {
		return nil, fmt.Errorf("rsa keygen: %w", err)
	}
	return priv, nil
}

func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM encoded")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", key)
	}
	return pub, nil
}

func EncodePrivateKey(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM encoded")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", key)
	}
	return priv, nil
}

// Encrypt seals plaintext once for each endpoint. Both copies share one
// fresh AES key and use independent nonces; the key is wrapped under each
// public key so either side can open its own copy.
func Encrypt(plaintext []byte, self, peer *rsa.PublicKey) (*Envelope, error) {
	messageKey := make([]byte, AESKeySize)
	if _, err := io.ReadFull(rand.Reader, messageKey); err != nil {
		return nil, fmt.Errorf("gen message key: %w", err)
	}

	senderCT, senderNonce, err := EncryptWithAESGCM(plaintext, messageKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt sender copy: %w", err)
	}
	receiverCT, receiverNonce, err := EncryptWithAESGCM(plaintext, messageKey)
	if err != nil {
		return nil, fmt.Errorf("encrypt receiver copy: %w", err)
	}

	senderKey, err := WrapKey(messageKey, self)
	if err != nil {
		return nil, fmt.Errorf("wrap sender key: %w", err)
	}
	receiverKey, err := WrapKey(messageKey, peer)
	if err != nil {
		return nil, fmt.Errorf("wrap receiver key: %w", err)
	}

	return &Envelope{
		Sender:        Copy{Ciphertext: senderCT, WrappedKey: senderKey},
		Receiver:      Copy{Ciphertext: receiverCT, WrappedKey: receiverKey},
		SenderNonce:   senderNonce,
		ReceiverNonce: receiverNonce,
	}, nil
}

// Open recovers the plaintext of the role's copy in rec. A cached key is
// tried first; if it does not authenticate the copy, the role's wrapped key
// is unwrapped with priv. The key that worked is returned.
func Open(rec *types.MessageRecord, priv *rsa.PrivateKey, role Role, cachedKey []byte) ([]byte, []byte, error) {
	if rec.IsDeleted() {
		return nil, nil, ErrDeleted
	}

	ciphertext, wrapped, nonce := rec.ReceiverMessage, rec.ReceiverKey, rec.ReceiverNonce
	if role == RoleSender {
		ciphertext, wrapped, nonce = rec.SenderMessage, rec.SenderKey, rec.SenderNonce
	}

	if len(cachedKey) == AESKeySize {
		if plain, err := DecryptWithAESGCM(ciphertext, cachedKey, nonce); err == nil {
			return plain, cachedKey, nil
		}
	}

	messageKey, err := UnwrapKey(wrapped, priv)
	if err != nil {
		return nil, nil, err
	}
	plain, err := DecryptWithAESGCM(ciphertext, messageKey, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptEnvelope, err)
	}
	return plain, messageKey, nil
}

// Decrypt is Open for text messages.
func Decrypt(rec *types.MessageRecord, priv *rsa.PrivateKey, role Role, cachedKey []byte) (string, []byte, error) {
	plain, key, err := Open(rec, priv, role, cachedKey)
	if err != nil {
		return "", nil, err
	}
	if !utf8.Valid(plain) {
		return "", nil, ErrInvalidUTF8
	}
	return string(plain), key, nil
}

func WrapKey(key []byte, pub *rsa.PublicKey) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
}

func UnwrapKey(wrapped []byte, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	if len(key) != AESKeySize {
		return nil, fmt.Errorf("%w: key is %d bytes", ErrKeyUnwrap, len(key))
	}
	return key, nil
}

func EncryptWithAESGCM(message, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = aead.Seal(nil, nonce, message, nil)
	return ciphertext, nonce, nil
}

func DecryptWithAESGCM(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("nonce is %d bytes", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
