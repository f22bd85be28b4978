package contact

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/crypto"
)

// ConnectionType records how a contact was last reachable.
type ConnectionType string

const (
	ConnectionOnline  ConnectionType = "online"
	ConnectionP2P     ConnectionType = "p2p"
	ConnectionUnknown ConnectionType = "unknown"
)

// TimeProvider abstracts clock access for reproducible tests.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

var defaultTimeProvider TimeProvider = realTimeProvider{}

// Contact represents a known peer. The ID is a deterministic short
// fingerprint of the encryption public key, so the same key pair always
// resolves to the same contact.
type Contact struct {
	ID                  string
	EncryptionPublicKey string
	SigningPublicKey    string
	DisplayName         string
	LastSeen            *time.Time
	ConnectionType      ConnectionType
	IsGateway           bool
	AddedAt             time.Time

	timeProvider TimeProvider
}

// New creates a Contact from exported public keys and a display name.
// Both keys are validated by importing them once.
func New(encryptionPublicKey, signingPublicKey, displayName string) (*Contact, error) {
	return NewWithTimeProvider(encryptionPublicKey, signingPublicKey, displayName, defaultTimeProvider)
}

// NewWithTimeProvider creates a Contact with a custom time provider.
func NewWithTimeProvider(encryptionPublicKey, signingPublicKey, displayName string, tp TimeProvider) (*Contact, error) {
	if tp == nil {
		tp = defaultTimeProvider
	}

	if _, err := crypto.ImportPublicKey(encryptionPublicKey, crypto.KeyAgreement); err != nil {
		return nil, err
	}
	if signingPublicKey != "" {
		if _, err := crypto.ImportPublicKey(signingPublicKey, crypto.Verification); err != nil {
			return nil, err
		}
	}
	if displayName == "" {
		return nil, errors.New("display name cannot be empty")
	}

	id := crypto.DeriveShortID(encryptionPublicKey)

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"contact_id":   id,
		"display_name": displayName,
	}).Info("Creating new contact")

	c := &Contact{
		ID:                  id,
		EncryptionPublicKey: encryptionPublicKey,
		SigningPublicKey:    signingPublicKey,
		DisplayName:         displayName,
		ConnectionType:      ConnectionUnknown,
		AddedAt:             tp.Now(),
		timeProvider:        tp,
	}

	return c, nil
}

// EncryptionKey returns the imported key-agreement public key.
func (c *Contact) EncryptionKey() ([32]byte, error) {
	return crypto.ImportPublicKey(c.EncryptionPublicKey, crypto.KeyAgreement)
}

// SigningKey returns the imported verification public key, or an error
// when the contact was added without one.
func (c *Contact) SigningKey() ([32]byte, error) {
	if c.SigningPublicKey == "" {
		return [32]byte{}, errors.New("contact has no signing key")
	}
	return crypto.ImportPublicKey(c.SigningPublicKey, crypto.Verification)
}

// MarkSeen records that the contact was reachable over the given
// connection type just now.
func (c *Contact) MarkSeen(connectionType ConnectionType) {
	tp := c.timeProvider
	if tp == nil {
		tp = defaultTimeProvider
	}
	now := tp.Now()

	logrus.WithFields(logrus.Fields{
		"function":        "MarkSeen",
		"contact_id":      c.ID,
		"connection_type": connectionType,
	}).Debug("Updating contact last seen")

	c.LastSeen = &now
	c.ConnectionType = connectionType
}

// LastSeenDuration returns the duration since the contact was last
// seen, or a negative duration when it was never seen.
func (c *Contact) LastSeenDuration() time.Duration {
	tp := c.timeProvider
	if tp == nil {
		tp = defaultTimeProvider
	}
	if c.LastSeen == nil {
		return -1
	}
	return tp.Now().Sub(*c.LastSeen)
}
