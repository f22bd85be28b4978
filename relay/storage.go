package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrStorageFull indicates the relay is at capacity.
	ErrStorageFull = errors.New("relay storage full")
	// ErrTooManyForRecipient indicates the per-recipient cap was hit.
	ErrTooManyForRecipient = errors.New("too many envelopes for recipient")
)

// Constants for the relay envelope store
const (
	// MaxCiphertextSize is the maximum stored ciphertext size per envelope.
	MaxCiphertextSize = 64 * 1024
	// MaxEnvelopesPerRecipient limits envelopes per recipient to prevent abuse.
	MaxEnvelopesPerRecipient = 100
	// DefaultCapacity is the maximum number of envelopes the store can hold.
	DefaultCapacity = 10000
	// sweepInterval is how often expired envelopes are removed.
	sweepInterval = time.Hour
)

// NotifyFunc observes new envelope insertions, used to feed the push
// notification channel.
type NotifyFunc func(EnvelopeNotice)

// EnvelopeStore is a key-indexed expiring store of sealed envelopes,
// indexed additionally by recipient public key.
type EnvelopeStore struct {
	mutex          sync.RWMutex
	envelopes      map[string]*Envelope
	recipientIndex map[string][]string // recipient PK -> envelope IDs
	capacity       int
	ttl            time.Duration
	notify         NotifyFunc
	stopSweep      chan struct{}
	sweepOnce      sync.Once
}

// NewEnvelopeStore creates an empty store with the default capacity and
// the 7-day retention window.
func NewEnvelopeStore() *EnvelopeStore {
	return &EnvelopeStore{
		envelopes:      make(map[string]*Envelope),
		recipientIndex: make(map[string][]string),
		capacity:       DefaultCapacity,
		ttl:            EnvelopeTTL,
		stopSweep:      make(chan struct{}),
	}
}

// SetTTL overrides the retention window, for operators wanting a
// shorter one.
func (es *EnvelopeStore) SetTTL(ttl time.Duration) {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	if ttl > 0 {
		es.ttl = ttl
	}
}

// OnInsert registers the insertion observer.
func (es *EnvelopeStore) OnInsert(fn NotifyFunc) {
	es.mutex.Lock()
	defer es.mutex.Unlock()
	es.notify = fn
}

// Submit stores a sealed envelope for later pickup and returns the
// server-assigned envelope id.
func (es *EnvelopeStore) Submit(senderPK, recipientPK string, ciphertext, iv, signature []byte) (string, error) {
	if senderPK == "" || recipientPK == "" {
		return "", validationError("sender and recipient public keys are required")
	}
	if len(ciphertext) == 0 || len(iv) == 0 {
		return "", validationError("encrypted content and iv are required")
	}
	if len(ciphertext) > MaxCiphertextSize {
		return "", validationError("encrypted content too large")
	}

	es.mutex.Lock()

	if len(es.envelopes) >= es.capacity {
		es.mutex.Unlock()
		return "", ErrStorageFull
	}
	if len(es.recipientIndex[recipientPK]) >= MaxEnvelopesPerRecipient {
		es.mutex.Unlock()
		return "", ErrTooManyForRecipient
	}

	now := time.Now()
	env := &Envelope{
		ID:                 uuid.NewString(),
		SenderPublicKey:    senderPK,
		RecipientPublicKey: recipientPK,
		Ciphertext:         append([]byte(nil), ciphertext...),
		IV:                 append([]byte(nil), iv...),
		Signature:          append([]byte(nil), signature...),
		CreatedAt:          now,
		ExpiresAt:          now.Add(es.ttl),
	}

	es.envelopes[env.ID] = env
	es.recipientIndex[recipientPK] = append(es.recipientIndex[recipientPK], env.ID)
	notify := es.notify
	es.mutex.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Submit",
		"envelope_id": env.ID,
		"recipient":   recipientPK[:min(8, len(recipientPK))],
	}).Debug("Envelope stored")

	// Notify outside the lock so a slow subscriber cannot stall the store.
	if notify != nil {
		notify(EnvelopeNotice{EnvelopeID: env.ID, RecipientPublicKey: recipientPK})
	}

	return env.ID, nil
}

// Pending returns all undelivered, unexpired envelopes for a recipient,
// oldest first. Each call counts as a delivery attempt on the returned
// envelopes.
func (es *EnvelopeStore) Pending(recipientPK string) ([]Envelope, error) {
	if recipientPK == "" {
		return nil, validationError("recipient public key is required")
	}

	es.mutex.Lock()
	defer es.mutex.Unlock()

	now := time.Now()
	ids := es.recipientIndex[recipientPK]

	result := make([]Envelope, 0, len(ids))
	for _, id := range ids {
		env, ok := es.envelopes[id]
		if !ok || env.DeliveredAt != nil || env.Expired(now) {
			continue
		}
		env.DeliveryAttempts++
		result = append(result, *env)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// Acknowledge marks an envelope delivered and deletes it. Acknowledging
// an unknown or already-acknowledged envelope is not an error.
func (es *EnvelopeStore) Acknowledge(envelopeID string) error {
	if envelopeID == "" {
		return validationError("envelope id is required")
	}

	es.mutex.Lock()
	defer es.mutex.Unlock()

	env, ok := es.envelopes[envelopeID]
	if !ok {
		return nil
	}

	now := time.Now()
	env.DeliveredAt = &now
	es.removeLocked(envelopeID)

	return nil
}

// removeLocked deletes an envelope and its index entry. Caller holds
// the mutex.
func (es *EnvelopeStore) removeLocked(envelopeID string) {
	env, ok := es.envelopes[envelopeID]
	if !ok {
		return
	}

	delete(es.envelopes, envelopeID)

	ids := es.recipientIndex[env.RecipientPublicKey]
	for i, id := range ids {
		if id == envelopeID {
			es.recipientIndex[env.RecipientPublicKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(es.recipientIndex[env.RecipientPublicKey]) == 0 {
		delete(es.recipientIndex, env.RecipientPublicKey)
	}
}

// SweepExpired removes envelopes past their retention window and
// returns how many were dropped.
func (es *EnvelopeStore) SweepExpired() int {
	es.mutex.Lock()
	defer es.mutex.Unlock()

	now := time.Now()
	expired := make([]string, 0)
	for id, env := range es.envelopes {
		if env.Expired(now) {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		es.removeLocked(id)
	}

	if len(expired) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "SweepExpired",
			"count":    len(expired),
		}).Info("Removed expired envelopes")
	}

	return len(expired)
}

// StartSweeper runs the expiry sweep in the background until Stop.
func (es *EnvelopeStore) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				es.SweepExpired()
			case <-es.stopSweep:
				return
			}
		}
	}()
}

// Stop halts the background sweeper.
func (es *EnvelopeStore) Stop() {
	es.sweepOnce.Do(func() { close(es.stopSweep) })
}

// Stats reports store utilization.
func (es *EnvelopeStore) Stats() StoreStats {
	es.mutex.RLock()
	defer es.mutex.RUnlock()

	return StoreStats{
		TotalEnvelopes:   len(es.envelopes),
		UniqueRecipients: len(es.recipientIndex),
		Capacity:         es.capacity,
	}
}

// StoreStats provides information about store utilization.
type StoreStats struct {
	TotalEnvelopes   int
	UniqueRecipients int
	Capacity         int
}
