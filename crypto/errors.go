package crypto

import "errors"

var (
	// ErrDecryptionFailed indicates an authentication failure while
	// decrypting. No partial plaintext is ever returned alongside it.
	ErrDecryptionFailed = errors.New("decryption failed: message authentication failed")
	// ErrInvalidKey indicates malformed or unusable key material.
	ErrInvalidKey = errors.New("invalid key material")
	// ErrUnsupportedPurpose indicates an unknown key purpose on import.
	ErrUnsupportedPurpose = errors.New("unsupported key purpose")
	// ErrEmptyMessage indicates an empty plaintext or ciphertext input.
	ErrEmptyMessage = errors.New("empty message")
	// ErrMessageTooLarge indicates input above MaxMessageSize.
	ErrMessageTooLarge = errors.New("message too large")
)
