package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// Encryptor is the contract the mutation store delegates to for resource
// types whose policy flags encryption_required. The key reference names a
// key, not key material; resolution is the implementation's concern.
type Encryptor interface {
	Encrypt(plaintext []byte, keyRef string) ([]byte, error)
	Decrypt(ciphertext []byte, keyRef string) ([]byte, error)
}

// Noop passes data through unchanged. Used when no policy requires
// encryption or in tests.
type Noop struct{}

func (Noop) Encrypt(plaintext []byte, _ string) ([]byte, error)  { return plaintext, nil }
func (Noop) Decrypt(ciphertext []byte, _ string) ([]byte, error) { return ciphertext, nil }

// AESGCM derives a per-keyRef key from a master secret and seals payloads
// with AES-256-GCM. The nonce is prepended to the ciphertext.
type AESGCM struct {
	master []byte
}

// NewAESGCM builds an encryptor from a master secret.
func NewAESGCM(master []byte) (*AESGCM, error) {
	if len(master) == 0 {
		return nil, errors.New("master secret is required")
	}
	return &AESGCM{master: master}, nil
}

func (e *AESGCM) gcm(keyRef string) (cipher.AEAD, error) {
	sum := sha256.Sum256(append(e.master, []byte(keyRef)...))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (e *AESGCM) Encrypt(plaintext []byte, keyRef string) ([]byte, error) {
	gcm, err := e.gcm(keyRef)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *AESGCM) Decrypt(ciphertext []byte, keyRef string) ([]byte, error) {
	gcm, err := e.gcm(keyRef)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
