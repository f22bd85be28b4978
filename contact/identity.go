package contact

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/crypto"
)

// Identity is the device's own keyset. Exactly one exists per device;
// the key pairs are immutable after creation, only the display name may
// change.
type Identity struct {
	ID             string
	EncryptionKeys *crypto.KeyPair
	SigningKeys    *crypto.SigningKeyPair
	DisplayName    string
	CreatedAt      time.Time
}

// NewIdentity generates a fresh identity during onboarding. The ID is
// the deterministic short fingerprint of the exported encryption public
// key.
func NewIdentity(displayName string) (*Identity, error) {
	if displayName == "" {
		return nil, errors.New("display name cannot be empty")
	}

	encryptionKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	signingKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}

	id := crypto.DeriveShortID(crypto.ExportPublicKey(encryptionKeys.Public))

	logrus.WithFields(logrus.Fields{
		"function":     "NewIdentity",
		"identity_id":  id,
		"display_name": displayName,
	}).Info("Created new identity")

	return &Identity{
		ID:             id,
		EncryptionKeys: encryptionKeys,
		SigningKeys:    signingKeys,
		DisplayName:    displayName,
		CreatedAt:      time.Now(),
	}, nil
}

// PublicEncryptionKey returns the exported encryption public key.
func (i *Identity) PublicEncryptionKey() string {
	return crypto.ExportPublicKey(i.EncryptionKeys.Public)
}

// PublicSigningKey returns the exported signing public key.
func (i *Identity) PublicSigningKey() string {
	return crypto.ExportPublicKey(i.SigningKeys.Public)
}

// AsContact renders the identity as the exchange-side contact record
// another peer would store after scanning this device's payload.
func (i *Identity) AsContact() (*Contact, error) {
	return New(i.PublicEncryptionKey(), i.PublicSigningKey(), i.DisplayName)
}

// Wipe erases the identity's private key material. The Identity must
// not be used afterwards.
func (i *Identity) Wipe() {
	if i.EncryptionKeys != nil {
		crypto.ZeroBytes(i.EncryptionKeys.Private[:])
	}
	if i.SigningKeys != nil {
		crypto.ZeroBytes(i.SigningKeys.Private[:])
	}
}
