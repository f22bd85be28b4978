package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// NonceSize is the AES-GCM IV length in bytes (96 bits).
const NonceSize = 12

// Nonce is a 96-bit initialization vector. A fresh random nonce is
// generated for every encryption call; reuse under the same key breaks
// confidentiality.
type Nonce [NonceSize]byte

// Maximum message size (1MB to prevent excessive memory usage)
const MaxMessageSize = 1024 * 1024

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// Encrypt seals a plaintext for a recipient using authenticated
// encryption. The shared key is derived from the sender's private key
// and the recipient's public key; the returned nonce is freshly random
// per call and must be transmitted alongside the ciphertext.
func Encrypt(plaintext []byte, senderPrivate, recipientPublic [32]byte) ([]byte, Nonce, error) {
	if len(plaintext) == 0 {
		return nil, Nonce{}, ErrEmptyMessage
	}

	if len(plaintext) > MaxMessageSize {
		return nil, Nonce{}, ErrMessageTooLarge
	}

	sharedKey, err := DeriveSharedKey(senderPrivate, recipientPublic)
	if err != nil {
		return nil, Nonce{}, err
	}
	defer ZeroBytes(sharedKey[:])

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := EncryptSymmetric(plaintext, nonce, sharedKey)
	if err != nil {
		return nil, Nonce{}, err
	}

	return ciphertext, nonce, nil
}

// EncryptSymmetric seals a plaintext with AES-256-GCM under the given
// symmetric key and nonce.
func EncryptSymmetric(plaintext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyMessage
	}

	if len(plaintext) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm.Seal(nil, nonce[:], plaintext, nil), nil
}
