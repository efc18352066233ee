package utilities

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Encryptor seals data at rest using XChaCha20-Poly1305.
//
// The key is derived deterministically from a secret, so a hub restarted with
// the same secret can open the authority trees it persisted earlier.
type Encryptor struct {
	symmetricKey []byte // 32-byte key for XChaCha20-Poly1305
}

// NewEncryptor derives an encryptor from a secret of at least 16 bytes.
func NewEncryptor(secret []byte) (*Encryptor, error) {
	if len(secret) < 16 {
		return nil, errors.New("encryptor secret must be at least 16 bytes")
	}

	// Salt: domain separation, Info: key purpose
	hkdfReader := hkdf.New(sha256.New, secret, []byte("hubsync:stash:v1"), []byte("symmetric"))

	symmetricKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdfReader, symmetricKey); err != nil {
		return nil, err
	}

	return &Encryptor{
		symmetricKey: symmetricKey,
	}, nil
}

// Seal encrypts plaintext using XChaCha20-Poly1305 with a random nonce.
//
// The nonce is 24 bytes, and the ciphertext includes a 16-byte
// authentication tag.
func (e *Encryptor) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, nil, err
	}

	// Generate random nonce (24 bytes for XChaCha20)
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	// Encrypt (ciphertext includes auth tag)
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)

	return nonce, ciphertext, nil
}

// Open decrypts ciphertext using XChaCha20-Poly1305.
//
// The nonce must be the same nonce used during encryption. Returns an error
// if the ciphertext is invalid or if it was encrypted with a different key.
func (e *Encryptor) Open(nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.symmetricKey)
	if err != nil {
		return nil, err
	}

	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("invalid nonce size (expected 24 bytes)")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("decryption failed: invalid ciphertext or wrong key")
	}

	return plaintext, nil
}

// SealBlob encrypts plaintext into a single nonce||ciphertext blob.
func (e *Encryptor) SealBlob(plaintext []byte) ([]byte, error) {
	nonce, ciphertext, err := e.Seal(plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

// OpenBlob decrypts a blob produced by SealBlob.
func (e *Encryptor) OpenBlob(blob []byte) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("sealed blob too short")
	}
	return e.Open(blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:])
}
