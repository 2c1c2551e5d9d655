package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	keySize = 32 // AES-256

	// maxPlaintextSize bounds what a single vault file may hold. GCM is not
	// meant for bulk data and the vault only ever stores small secret maps.
	maxPlaintextSize = 32 * 1024 * 1024
)

// ErrExceedsMaxSize is returned when the plaintext is too large to encrypt.
var ErrExceedsMaxSize = errors.New("exceeds maximum allowed size of plaintext")

// encrypt seals plaintext with AES-256-GCM under key, returning the nonce
// and ciphertext separately so they can be persisted as distinct fields.
func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != keySize {
		return nil, nil, fmt.Errorf("invalid key size %d, expected %d", len(key), keySize)
	}
	if len(plaintext) > maxPlaintextSize {
		return nil, nil, ErrExceedsMaxSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

// decrypt opens an AES-256-GCM ciphertext. A wrong key, a wrong nonce, or a
// tampered ciphertext all fail authentication.
func decrypt(nonce, ciphertext, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size %d, expected %d", len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("malformed nonce")
	}

	// A non-nil dst keeps an empty plaintext as an empty slice, not nil.
	plaintext, err := gcm.Open(make([]byte, 0, len(ciphertext)), nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.New("message authentication failed")
	}

	return plaintext, nil
}
