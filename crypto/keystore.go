package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Keystore wraps private key material with AES-GCM encryption at rest.
// The wrapping key is derived from a user passphrase, so a compromised
// data store does not expose usable private keys.
type Keystore struct {
	encryptionKey [32]byte
}

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// KeystoreVersion is the current sealed-blob format version
	KeystoreVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32
)

// GenerateSalt creates a fresh random PBKDF2 salt. The salt is not
// secret; the caller persists it next to the sealed material.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewKeystore derives a wrapping key from a passphrase and salt.
func NewKeystore(passphrase, salt []byte) (*Keystore, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), SaltSize)
	}

	ks := &Keystore{}

	derivedKey := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derivedKey)
	ZeroBytes(derivedKey)

	return ks, nil
}

// Seal encrypts a private key blob for storage.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *Keystore) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrEmptyMessage
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext, err := EncryptSymmetric(plaintext, nonce, ks.encryptionKey)
	if err != nil {
		return nil, err
	}

	output := make([]byte, 2+NonceSize+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], KeystoreVersion)
	copy(output[2:2+NonceSize], nonce[:])
	copy(output[2+NonceSize:], ciphertext)

	return output, nil
}

// Open decrypts a sealed private key blob. Fails if the blob is
// corrupted, the version is unknown, or the passphrase was wrong.
func (ks *Keystore) Open(sealed []byte) ([]byte, error) {
	// version + nonce + GCM tag
	if len(sealed) < 2+NonceSize+16 {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}

	version := binary.BigEndian.Uint16(sealed[0:2])
	if version != KeystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d (expected %d)", version, KeystoreVersion)
	}

	var nonce Nonce
	copy(nonce[:], sealed[2:2+NonceSize])

	plaintext, err := DecryptSymmetric(sealed[2+NonceSize:], nonce, ks.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("keystore open failed (wrong passphrase or corrupted data): %w", err)
	}

	return plaintext, nil
}

// Close securely wipes the wrapping key from memory. After calling
// Close, the Keystore must not be used.
func (ks *Keystore) Close() error {
	ZeroBytes(ks.encryptionKey[:])
	return nil
}
