package crypto

import (
	"crypto/sha256"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// DeriveSharedKey computes a symmetric authenticated-encryption key
// between two parties using ECDH on Curve25519 followed by SHA-256.
// The result is deterministic and symmetric: (privA, pubB) and
// (privB, pubA) derive the same key.
func DeriveSharedKey(privateKey, peerPublicKey [32]byte) ([32]byte, error) {
	logrus.WithFields(logrus.Fields{
		"function":        "DeriveSharedKey",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:8]),
	}).Debug("Computing shared key using ECDH")

	// Create copies of the keys to prevent modification
	var publicKeyCopy [32]byte
	var privateKeyCopy [32]byte
	copy(publicKeyCopy[:], peerPublicKey[:])
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], publicKeyCopy[:])
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedKey",
			"error":    err.Error(),
		}).Error("X25519 computation failed")

		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared key: %w", err)
	}

	// Hash the raw ECDH output into a uniformly distributed AES key.
	result := sha256.Sum256(sharedSecret)

	// Securely wipe the key copy and intermediate shared secret
	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}
