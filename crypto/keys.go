package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Purpose selects how an imported public key will be used.
type Purpose uint8

const (
	// KeyAgreement marks a Curve25519 public key used to derive shared keys.
	KeyAgreement Purpose = iota
	// Verification marks an Ed25519 public key used to verify signatures.
	Verification
)

// ExportPublicKey serializes a public key to its canonical shareable
// form: standard base64 over the raw 32 bytes. The result is stable and
// usable as a long-lived contact identifier.
func ExportPublicKey(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// ImportPublicKey parses a public key from its canonical serialized
// form. The purpose is recorded for the caller's benefit; both key
// types share the same 32-byte encoding.
func ImportPublicKey(encoded string, purpose Purpose) ([32]byte, error) {
	var key [32]byte

	if purpose != KeyAgreement && purpose != Verification {
		return key, ErrUnsupportedPurpose
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ImportPublicKey",
			"error":    err.Error(),
		}).Error("Public key is not valid base64")
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	if len(raw) != 32 {
		return key, fmt.Errorf("%w: expected 32 bytes, got %d", ErrInvalidKey, len(raw))
	}

	copy(key[:], raw)

	if isZeroKey(key) {
		return [32]byte{}, fmt.Errorf("%w: all zeros", ErrInvalidKey)
	}

	return key, nil
}
