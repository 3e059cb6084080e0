package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	KDFIterations = 300_000
	SaltSize      = 16
	NonceSize     = 12
	keySize       = 32
)

// ErrDecryption is returned for every decrypt failure, whatever the cause.
var ErrDecryption = errors.New("decryption failed")

// Envelope is the ciphertext plus the parameters needed to open it.
// The server only ever sees these three values.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Salt       []byte
}

// WireEnvelope is the base64 form sent as encryptedData, iv and salt.
type WireEnvelope struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	Salt          string `json:"salt"`
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, KDFIterations, keySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, NonceSize)
}

// Encrypt seals plaintext under a key derived from password with a fresh
// salt and nonce, so two calls never produce the same envelope.
func Encrypt(plaintext []byte, password string) (*Envelope, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := newGCM(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	return &Envelope{
		Ciphertext: gcm.Seal(nil, iv, plaintext, nil),
		IV:         iv,
		Salt:       salt,
	}, nil
}

func Decrypt(env *Envelope, password string) ([]byte, error) {
	if env == nil || len(env.IV) != NonceSize || len(env.Salt) == 0 {
		return nil, ErrDecryption
	}

	gcm, err := newGCM(deriveKey(password, env.Salt))
	if err != nil {
		return nil, ErrDecryption
	}
	if len(env.Ciphertext) < gcm.Overhead() {
		return nil, ErrDecryption
	}

	plaintext, err := gcm.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (e *Envelope) EncodeWire() WireEnvelope {
	return WireEnvelope{
		EncryptedData: base64.StdEncoding.EncodeToString(e.Ciphertext),
		IV:            base64.StdEncoding.EncodeToString(e.IV),
		Salt:          base64.StdEncoding.EncodeToString(e.Salt),
	}
}

// DecodeWire reverses EncodeWire. Malformed base64 is a decryption failure
// from the reader's point of view.
func DecodeWire(w WireEnvelope) (*Envelope, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(w.EncryptedData)
	if err != nil {
		return nil, ErrDecryption
	}
	iv, err := base64.StdEncoding.DecodeString(w.IV)
	if err != nil {
		return nil, ErrDecryption
	}
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, ErrDecryption
	}
	return &Envelope{Ciphertext: ciphertext, IV: iv, Salt: salt}, nil
}
