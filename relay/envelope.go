package relay

import "time"

// EnvelopeTTL is how long the relay holds an unclaimed envelope.
const EnvelopeTTL = 7 * 24 * time.Hour

// Envelope is one relay-held record of an encrypted message awaiting
// pickup. The relay never sees plaintext or private keys.
type Envelope struct {
	ID                 string     `json:"id"`
	SenderPublicKey    string     `json:"senderPublicKey"`
	RecipientPublicKey string     `json:"recipientPublicKey"`
	Ciphertext         []byte     `json:"encryptedContent"`
	IV                 []byte     `json:"iv"`
	Signature          []byte     `json:"signature,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ExpiresAt          time.Time  `json:"expiresAt"`
	DeliveredAt        *time.Time `json:"deliveredAt,omitempty"`
	DeliveryAttempts   int        `json:"deliveryAttempts"`
}

// Expired reports whether the envelope's retention window has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// EnvelopeNotice is the payload pushed over the notification channel
// when a new envelope is stored for a recipient.
type EnvelopeNotice struct {
	EnvelopeID         string `json:"envelopeId"`
	RecipientPublicKey string `json:"recipientPublicKey"`
}
