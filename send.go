package meshmsg

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/connectivity"
	"github.com/opd-ai/meshmsg/crypto"
	"github.com/opd-ai/meshmsg/messaging"
)

// SendMessage encrypts and signs text for a contact and delivers it
// over the best available path. When the recipient is reachable over a
// direct peer channel in P2P or Hybrid mode, the message goes straight
// to the peer. Otherwise the relay is tried, and when that is not
// possible the message is persisted as pending together with its queue
// entry in one transaction and retried during queue drains.
func (s *Session) SendMessage(ctx context.Context, contactID, text string) (*messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.lookupContact(contactID)
	if err != nil {
		return nil, err
	}
	recipientKey, err := c.EncryptionKey()
	if err != nil {
		return nil, err
	}

	ciphertext, iv, err := crypto.Encrypt([]byte(text), s.identity.EncryptionKeys.Private, recipientKey)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(ciphertext, s.identity.SigningKeys.Private)
	if err != nil {
		return nil, err
	}

	msg := messaging.NewOutgoing(contactID, text, ciphertext, iv, signature[:])
	mode := s.machine.Mode()

	// Direct peer path when short-range discovery is active
	if mode == connectivity.ModeP2P || mode == connectivity.ModeHybrid {
		if ch := s.peerChannel(contactID); ch != nil {
			if err := s.sendDirect(ch, msg); err == nil {
				msg.Status = messaging.StatusSent
				msg.DeliveryMethod = messaging.DeliveryP2P
				if err := s.store.SaveMessage(msg); err != nil {
					return nil, err
				}
				return msg, nil
			}
			logrus.WithFields(logrus.Fields{
				"function":   "SendMessage",
				"message_id": msg.ID,
			}).Warn("Direct delivery failed, falling back")
			s.unregisterPeer(contactID)
		}
	}

	// Relay path when the internet is reachable
	triedRelay := false
	if mode.Reachable() && s.relay != nil {
		triedRelay = true
		_, err := s.relay.Submit(ctx, s.identity.PublicEncryptionKey(), c.EncryptionPublicKey, msg.Ciphertext, msg.IV[:], msg.Signature)
		if err == nil {
			msg.Status = messaging.StatusSent
			msg.DeliveryMethod = messaging.DeliveryRelay
			if err := s.store.SaveMessage(msg); err != nil {
				return nil, err
			}
			return msg, nil
		}
		logrus.WithFields(logrus.Fields{
			"function":   "SendMessage",
			"message_id": msg.ID,
			"error":      err,
		}).Warn("Relay submit failed, queueing")
	}

	// Store-and-forward path: message and queue entry persist together.
	queued := messaging.QueueFromMessage(msg, c.EncryptionPublicKey)
	if err := s.store.SaveMessageAndEnqueue(msg, queued); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SendMessage",
		"message_id": msg.ID,
		"contact_id": contactID,
	}).Info("Message queued for delivery")

	// One immediate submit attempt, unless the relay just refused
	if s.relay != nil && !triedRelay {
		_, err := s.relay.Submit(ctx, s.identity.PublicEncryptionKey(), queued.RecipientPublicKey, queued.Ciphertext, queued.IV[:], queued.Signature)
		if err == nil {
			if err := s.store.UpdateStatus(msg.ID, messaging.StatusSent); err != nil {
				return nil, err
			}
			if uerr := s.store.SetDeliveryMethod(msg.ID, messaging.DeliveryStoreForward); uerr != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "SendMessage",
					"message_id": msg.ID,
					"error":      uerr,
				}).Error("Failed to record delivery method")
			}
			if err := s.store.DequeueByID(msg.ID); err != nil {
				return nil, err
			}
			msg.Status = messaging.StatusSent
			msg.DeliveryMethod = messaging.DeliveryStoreForward
			return msg, nil
		}
		if uerr := s.store.UpdateAttempts(msg.ID, 1, time.Now()); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "SendMessage",
				"message_id": msg.ID,
				"error":      uerr,
			}).Error("Failed to record delivery attempt")
		}
	} else if triedRelay {
		if uerr := s.store.UpdateAttempts(msg.ID, 1, time.Now()); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "SendMessage",
				"message_id": msg.ID,
				"error":      uerr,
			}).Error("Failed to record delivery attempt")
		}
	}

	return msg, nil
}

// MarkDelivered records recipient receipt for an outbound message.
// Status moves are monotonic; a regression returns StatusRegressionError.
func (s *Session) MarkDelivered(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UpdateStatus(messageID, messaging.StatusDelivered)
}

// MarkRead records a read receipt for a message.
func (s *Session) MarkRead(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.UpdateStatus(messageID, messaging.StatusRead)
}
