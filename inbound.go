package meshmsg

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/contact"
	"github.com/opd-ai/meshmsg/crypto"
	"github.com/opd-ai/meshmsg/messaging"
	"github.com/opd-ai/meshmsg/relay"
)

// processEnvelope handles one relay envelope: resolve the sender,
// verify, decrypt, persist, then acknowledge. Any failure before the
// persist means no acknowledgement, leaving the envelope to the relay's
// TTL.
func (s *Session) processEnvelope(ctx context.Context, env relay.Envelope) {
	s.mu.Lock()

	sender, err := s.resolveSender(env.SenderPublicKey)
	if err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "processEnvelope",
			"envelope_id": env.ID,
			"error":       err,
		}).Error("Failed to resolve sender")
		return
	}
	if sender == nil {
		s.mu.Unlock()
		return
	}

	msg, err := s.openInbound(sender, env.ID, env.Ciphertext, env.IV, env.Signature, env.CreatedAt)
	if err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "processEnvelope",
			"envelope_id": env.ID,
			"contact_id":  sender.ID,
			"error":       err,
		}).Warn("Discarding envelope")
		return
	}

	if err := s.store.SaveMessage(msg); err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "processEnvelope",
			"envelope_id": env.ID,
			"error":       err,
		}).Error("Failed to persist inbound message")
		return
	}

	sender.MarkSeen(contact.ConnectionOnline)
	if err := s.store.PutContact(sender); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "processEnvelope",
			"contact_id": sender.ID,
			"error":      err,
		}).Warn("Failed to update contact last seen")
	}
	s.mu.Unlock()

	if err := s.relay.Acknowledge(ctx, env.ID); err != nil {
		// The message is stored; redelivery stays idempotent by id.
		logrus.WithFields(logrus.Fields{
			"function":    "processEnvelope",
			"envelope_id": env.ID,
			"error":       err,
		}).Warn("Failed to acknowledge envelope")
	}

	s.dispatchMessage(*msg)
}

// openInbound authenticates and decrypts an inbound payload into a
// message record. The signature is checked whenever the sender has a
// known signing key; the plaintext is never produced from a payload
// that fails authentication.
func (s *Session) openInbound(sender *contact.Contact, id string, ciphertext, iv, signature []byte, sentAt time.Time) (*messaging.Message, error) {
	if len(iv) != crypto.NonceSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", crypto.NonceSize, len(iv))
	}
	var nonce crypto.Nonce
	copy(nonce[:], iv)

	if sender.SigningPublicKey != "" {
		if len(signature) != len(crypto.Signature{}) {
			return nil, fmt.Errorf("signature must be %d bytes, got %d", len(crypto.Signature{}), len(signature))
		}
		var sig crypto.Signature
		copy(sig[:], signature)

		verifyKey, err := sender.SigningKey()
		if err != nil {
			return nil, err
		}
		ok, err := crypto.Verify(ciphertext, sig, verifyKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("signature verification failed for sender %s", sender.ID)
		}
	}

	senderKey, err := sender.EncryptionKey()
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.Decrypt(ciphertext, nonce, s.identity.EncryptionKeys.Private, senderKey)
	if err != nil {
		return nil, err
	}

	return messaging.NewIncoming(id, sender.ID, string(plaintext), ciphertext, nonce, signature, sentAt), nil
}

func (s *Session) dispatchMessage(msg messaging.Message) {
	s.callbackMu.Lock()
	fn := s.messageCallback
	s.callbackMu.Unlock()
	if fn != nil {
		fn(msg)
	}
}
