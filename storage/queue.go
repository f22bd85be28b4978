package storage

import (
	"database/sql"
	"time"

	"github.com/opd-ai/meshmsg/messaging"
)

// Enqueue inserts a queue entry for an unconfirmed outbound message.
// The id shadows the message id, so a duplicate enqueue is a no-op
// overwrite rather than a second entry.
func (s *Store) Enqueue(q *messaging.QueuedMessage) error {
	return enqueueTx(s.db, q)
}

func enqueueTx(db execer, q *messaging.QueuedMessage) error {
	var lastAttempt sql.NullTime
	if q.LastAttempt != nil {
		lastAttempt = sql.NullTime{Time: *q.LastAttempt, Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO queue (id, recipient_id, recipient_public_key, ciphertext, iv, signature, timestamp, attempts, last_attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			attempts = excluded.attempts,
			last_attempt = excluded.last_attempt`,
		q.ID, q.RecipientID, q.RecipientPublicKey, q.Ciphertext, q.IV[:], q.Signature,
		q.Timestamp, q.Attempts, lastAttempt)
	if err != nil {
		return storageErr("enqueue", err)
	}
	return nil
}

// DequeueByID removes a queue entry once its message has been
// confirmed submitted. Removing an absent id is ErrNotFound so callers
// can detect double-dequeues.
func (s *Store) DequeueByID(id string) error {
	res, err := s.db.Exec(`DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return storageErr("dequeue", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListQueue returns all queued messages in insertion order.
func (s *Store) ListQueue() ([]*messaging.QueuedMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, recipient_id, recipient_public_key, ciphertext, iv, signature, timestamp, attempts, last_attempt
		FROM queue ORDER BY rowid`)
	if err != nil {
		return nil, storageErr("list queue", err)
	}
	defer rows.Close()

	var queued []*messaging.QueuedMessage
	for rows.Next() {
		var (
			q           messaging.QueuedMessage
			iv          []byte
			lastAttempt sql.NullTime
		)
		err := rows.Scan(&q.ID, &q.RecipientID, &q.RecipientPublicKey, &q.Ciphertext, &iv,
			&q.Signature, &q.Timestamp, &q.Attempts, &lastAttempt)
		if err != nil {
			return nil, storageErr("list queue", err)
		}
		copy(q.IV[:], iv)
		if lastAttempt.Valid {
			t := lastAttempt.Time
			q.LastAttempt = &t
		}
		queued = append(queued, &q)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list queue", err)
	}

	return queued, nil
}

// UpdateAttempts records a failed submission attempt for backoff
// decisions.
func (s *Store) UpdateAttempts(id string, attempts int, lastAttempt time.Time) error {
	res, err := s.db.Exec(`UPDATE queue SET attempts = ?, last_attempt = ? WHERE id = ?`,
		attempts, lastAttempt, id)
	if err != nil {
		return storageErr("update attempts", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
