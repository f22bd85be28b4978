package meshmsg

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/contact"
	"github.com/opd-ai/meshmsg/crypto"
	"github.com/opd-ai/meshmsg/messaging"
	"github.com/opd-ai/meshmsg/storage"
)

// ContactExchangeType tags the payload two devices swap to become
// contacts.
const ContactExchangeType = "mesh-contact"

// ContactExchange is the serializable payload one device shows another,
// typically as a QR code or link.
type ContactExchange struct {
	Type                string `json:"type"`
	ID                  string `json:"id"`
	EncryptionPublicKey string `json:"encryptionPublicKey"`
	SigningPublicKey    string `json:"signingPublicKey"`
	DisplayName         string `json:"displayName"`
}

// ExportExchange renders the session's identity as a contact exchange
// payload for other devices to import.
func (s *Session) ExportExchange() ContactExchange {
	s.mu.Lock()
	defer s.mu.Unlock()

	return ContactExchange{
		Type:                ContactExchangeType,
		ID:                  s.identity.ID,
		EncryptionPublicKey: s.identity.PublicEncryptionKey(),
		SigningPublicKey:    s.identity.PublicSigningKey(),
		DisplayName:         s.identity.DisplayName,
	}
}

// AddContact imports a contact exchange payload. The contact id is
// derived from the encryption key, never trusted from the payload;
// adding the same peer twice returns the stored contact unchanged.
func (s *Session) AddContact(exchange ContactExchange) (*contact.Contact, error) {
	if exchange.Type != ContactExchangeType {
		return nil, fmt.Errorf("%w: unexpected type %q", ErrInvalidExchange, exchange.Type)
	}

	c, err := contact.New(exchange.EncryptionPublicKey, exchange.SigningPublicKey, exchange.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExchange, err)
	}
	if exchange.ID != "" && exchange.ID != c.ID {
		return nil, fmt.Errorf("%w: id %s does not match key fingerprint %s", ErrInvalidExchange, exchange.ID, c.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.GetContact(c.ID)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "AddContact",
			"contact_id": c.ID,
		}).Debug("Contact already known")
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if err := s.store.PutContact(c); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "AddContact",
		"contact_id":   c.ID,
		"display_name": c.DisplayName,
	}).Info("Contact added")

	return c, nil
}

// Contacts lists all stored contacts.
func (s *Session) Contacts() ([]*contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ListContacts()
}

// GetContact resolves a contact by id; ErrUnknownContact when absent.
func (s *Session) GetContact(contactID string) (*contact.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupContact(contactID)
}

func (s *Session) lookupContact(contactID string) (*contact.Contact, error) {
	c, err := s.store.GetContact(contactID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", contactID, ErrUnknownContact)
	}
	return c, err
}

// RemoveContact deletes a contact. Message history is kept.
func (s *Session) RemoveContact(contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.store.DeleteContact(contactID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", contactID, ErrUnknownContact)
	}
	return err
}

// Messages returns the conversation with a contact in chronological
// order.
func (s *Session) Messages(contactID string) ([]*messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.MessagesByContact(contactID)
}

// resolveSender maps an inbound sender public key to a contact,
// applying the unknown-sender policy. A nil contact with nil error
// means the message must be discarded without acknowledgement.
func (s *Session) resolveSender(senderPublicKey string) (*contact.Contact, error) {
	c, err := s.store.GetContactByPublicKey(senderPublicKey)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if s.options.UnknownSenderPolicy != UnknownSenderCreate {
		logrus.WithFields(logrus.Fields{
			"function":   "resolveSender",
			"sender_key": shortKey(senderPublicKey),
		}).Warn("Dropping message from unknown sender")
		return nil, nil
	}

	placeholder := crypto.DeriveShortID(senderPublicKey)
	c, err = contact.New(senderPublicKey, "", placeholder)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutContact(c); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "resolveSender",
		"contact_id": c.ID,
	}).Info("Created placeholder contact for unknown sender")

	return c, nil
}

// shortKey truncates an exported key for log output.
func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}
