package messaging

import (
	"time"

	"github.com/opd-ai/meshmsg/crypto"
)

// QueuedMessage shadows a Message that has not been confirmed sent.
// Its ID is the Message id, so the queue can never hold two entries for
// the same message.
type QueuedMessage struct {
	ID                 string
	RecipientID        string
	RecipientPublicKey string
	Ciphertext         []byte
	IV                 crypto.Nonce
	Signature          []byte
	Timestamp          time.Time
	Attempts           int
	LastAttempt        *time.Time
}

// QueueFromMessage builds the queue entry for an unconfirmed outbound
// message.
func QueueFromMessage(m *Message, recipientPublicKey string) *QueuedMessage {
	return &QueuedMessage{
		ID:                 m.ID,
		RecipientID:        m.ContactID,
		RecipientPublicKey: recipientPublicKey,
		Ciphertext:         m.Ciphertext,
		IV:                 m.IV,
		Signature:          m.Signature,
		Timestamp:          m.Timestamp,
	}
}

// NextAttemptAfter returns the earliest time another submission should
// be tried, using exponential backoff keyed on the attempt count.
func (q *QueuedMessage) NextAttemptAfter(base time.Duration) time.Time {
	if q.LastAttempt == nil {
		return time.Time{}
	}

	backoff := base << uint(q.Attempts)
	const maxBackoff = 10 * time.Minute
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return q.LastAttempt.Add(backoff)
}
