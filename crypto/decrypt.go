package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Decrypt opens a sealed message from a sender. Any authentication-tag
// mismatch (tampered ciphertext, wrong key, wrong nonce) fails with
// ErrDecryptionFailed; no partial plaintext is ever returned.
func Decrypt(ciphertext []byte, nonce Nonce, recipientPrivate, senderPublic [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyMessage
	}

	sharedKey, err := DeriveSharedKey(recipientPrivate, senderPublic)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(sharedKey[:])

	return DecryptSymmetric(ciphertext, nonce, sharedKey)
}

// DecryptSymmetric opens an AES-256-GCM sealed message with a symmetric key.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyMessage
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}
