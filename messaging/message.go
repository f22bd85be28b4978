package messaging

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/meshmsg/crypto"
)

// Direction tells whether the local identity sent or received a message.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Status is the delivery state of a message.
type Status string

const (
	// StatusPending means the message is persisted but not yet handed off.
	StatusPending Status = "pending"
	// StatusSent means the message was accepted by a transport or relay.
	StatusSent Status = "sent"
	// StatusDelivered means the recipient's device confirmed receipt.
	StatusDelivered Status = "delivered"
	// StatusRead means the recipient confirmed reading the message.
	StatusRead Status = "read"
	// StatusFailed means delivery was abandoned.
	StatusFailed Status = "failed"
)

// DeliveryMethod records the path a message took to the recipient.
type DeliveryMethod string

const (
	DeliveryDirect       DeliveryMethod = "direct"
	DeliveryP2P          DeliveryMethod = "p2p"
	DeliveryRelay        DeliveryMethod = "relay"
	DeliveryStoreForward DeliveryMethod = "store-forward"
)

// statusRank orders the monotonic delivery states. Failed sits outside
// the ladder and is handled separately.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusRegressionError is returned when an update would move a message
// backwards through the delivery ladder.
type StatusRegressionError struct {
	ID   string
	From Status
	To   Status
}

func (e *StatusRegressionError) Error() string {
	return fmt.Sprintf("message %s: status cannot move from %s to %s", e.ID, e.From, e.To)
}

// CanTransition reports whether a status change respects the monotonic
// order pending -> sent -> delivered -> read, with failed reachable
// only from pending or sent.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusFailed {
		return from == StatusPending || from == StatusSent
	}
	if from == StatusFailed {
		return false
	}

	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Message is one entry in a conversation log. Plaintext is kept for the
// local record only and is never transmitted; the ciphertext, IV and
// signature are what travel.
type Message struct {
	ID             string
	ContactID      string
	Plaintext      string
	Ciphertext     []byte
	IV             crypto.Nonce
	Signature      []byte
	Timestamp      time.Time
	Direction      Direction
	Status         Status
	DeliveryMethod DeliveryMethod
}

// NewOutgoing creates a sent-direction message record with a fresh id.
func NewOutgoing(contactID, plaintext string, ciphertext []byte, iv crypto.Nonce, signature []byte) *Message {
	return &Message{
		ID:         uuid.NewString(),
		ContactID:  contactID,
		Plaintext:  plaintext,
		Ciphertext: ciphertext,
		IV:         iv,
		Signature:  signature,
		Timestamp:  time.Now(),
		Direction:  DirectionSent,
		Status:     StatusPending,
	}
}

// NewIncoming creates a received-direction message record. The id is
// taken from the relay envelope when available so redelivery stays
// idempotent.
func NewIncoming(id, contactID, plaintext string, ciphertext []byte, iv crypto.Nonce, signature []byte, timestamp time.Time) *Message {
	if id == "" {
		id = uuid.NewString()
	}
	return &Message{
		ID:             id,
		ContactID:      contactID,
		Plaintext:      plaintext,
		Ciphertext:     ciphertext,
		IV:             iv,
		Signature:      signature,
		Timestamp:      timestamp,
		Direction:      DirectionReceived,
		Status:         StatusDelivered,
		DeliveryMethod: DeliveryRelay,
	}
}
