package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a Curve25519 key-agreement pair used to seal
// messages between peers.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// SigningKeyPair represents an Ed25519 signature pair. The private
// field holds the 32-byte seed form.
type SigningKeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key-agreement pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey creates a key-agreement pair from an existing private key.
// The public key is re-derived from the private scalar.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], publicKey)

	return keyPair, nil
}

// GenerateSigningKeyPair creates a new random Ed25519 signature pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &SigningKeyPair{}
	copy(keyPair.Public[:], publicKey)
	copy(keyPair.Private[:], privateKey.Seed())

	return keyPair, nil
}

// FromSigningSeed creates a signature pair from an existing 32-byte seed.
func FromSigningSeed(seed [32]byte) (*SigningKeyPair, error) {
	if isZeroKey(seed) {
		return nil, errors.New("invalid signing seed: all zeros")
	}

	privateKey := ed25519.NewKeyFromSeed(seed[:])
	publicKey := privateKey.Public().(ed25519.PublicKey)

	keyPair := &SigningKeyPair{Private: seed}
	copy(keyPair.Public[:], publicKey)

	return keyPair, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
