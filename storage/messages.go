package storage

import (
	"database/sql"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/messaging"
)

// SaveMessage upserts a message record by id. Re-appending the same id
// overwrites rather than duplicating, except that the stored status
// only moves forward along the delivery ladder. A redelivered envelope
// can therefore never drag a delivered or read message backwards.
func (s *Store) SaveMessage(m *messaging.Message) error {
	return s.saveMessage(s.db, m)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) saveMessage(db execer, m *messaging.Message) error {
	status := string(m.Status)
	var existing string
	err := db.QueryRow(`SELECT status FROM messages WHERE id = ?`, m.ID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return storageErr("save message", err)
	default:
		if !messaging.CanTransition(messaging.Status(existing), m.Status) {
			status = existing
		}
	}

	_, err = db.Exec(`
		INSERT INTO messages (id, contact_id, plaintext, ciphertext, iv, signature, timestamp, direction, status, delivery_method)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plaintext = excluded.plaintext,
			ciphertext = excluded.ciphertext,
			iv = excluded.iv,
			signature = excluded.signature,
			timestamp = excluded.timestamp,
			direction = excluded.direction,
			status = excluded.status,
			delivery_method = excluded.delivery_method`,
		m.ID, m.ContactID, m.Plaintext, m.Ciphertext, m.IV[:], m.Signature,
		m.Timestamp, string(m.Direction), status, string(m.DeliveryMethod))
	if err != nil {
		return storageErr("save message", err)
	}
	return nil
}

// SaveMessageAndEnqueue persists a not-yet-deliverable message together
// with its queue entry in one transaction, so a crash can never leave
// one without the other.
func (s *Store) SaveMessageAndEnqueue(m *messaging.Message, q *messaging.QueuedMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin enqueue", err)
	}
	defer tx.Rollback()

	if err := s.saveMessage(tx, m); err != nil {
		return err
	}
	if err := enqueueTx(tx, q); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit enqueue", err)
	}
	return nil
}

func scanMessage(row interface{ Scan(...any) error }) (*messaging.Message, error) {
	var (
		m              messaging.Message
		iv             []byte
		direction      string
		status         string
		deliveryMethod sql.NullString
	)

	err := row.Scan(&m.ID, &m.ContactID, &m.Plaintext, &m.Ciphertext, &iv, &m.Signature,
		&m.Timestamp, &direction, &status, &deliveryMethod)
	if err != nil {
		return nil, err
	}

	copy(m.IV[:], iv)
	m.Direction = messaging.Direction(direction)
	m.Status = messaging.Status(status)
	if deliveryMethod.Valid {
		m.DeliveryMethod = messaging.DeliveryMethod(deliveryMethod.String)
	}

	return &m, nil
}

const messageColumns = `id, contact_id, plaintext, ciphertext, iv, signature, timestamp, direction, status, delivery_method`

// GetMessage retrieves one message by id.
func (s *Store) GetMessage(id string) (*messaging.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get message", err)
	}
	return m, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]*messaging.Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()

	var messages []*messaging.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("query messages", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query messages", err)
	}

	return messages, nil
}

// MessagesByContact returns a contact's conversation log in
// chronological order.
func (s *Store) MessagesByContact(contactID string) ([]*messaging.Message, error) {
	return s.queryMessages(`SELECT `+messageColumns+` FROM messages WHERE contact_id = ? ORDER BY timestamp`, contactID)
}

// MessagesByStatus returns all messages currently in the given status.
func (s *Store) MessagesByStatus(status messaging.Status) ([]*messaging.Message, error) {
	return s.queryMessages(`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY timestamp`, string(status))
}

// UpdateStatus moves a message through the delivery ladder, enforcing
// the monotonic order. A downgrade is rejected with StatusRegressionError
// and leaves the record untouched.
func (s *Store) UpdateStatus(id string, newStatus messaging.Status) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("begin status update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return storageErr("read status", err)
	}

	from := messaging.Status(current)
	if from == newStatus {
		return nil
	}
	if !messaging.CanTransition(from, newStatus) {
		logrus.WithFields(logrus.Fields{
			"function":   "UpdateStatus",
			"message_id": id,
			"from":       from,
			"to":         newStatus,
		}).Warn("Rejected status regression")
		return &messaging.StatusRegressionError{ID: id, From: from, To: newStatus}
	}

	if _, err := tx.Exec(`UPDATE messages SET status = ? WHERE id = ?`, string(newStatus), id); err != nil {
		return storageErr("update status", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit status update", err)
	}
	return nil
}

// SetDeliveryMethod records the path a message took once known.
func (s *Store) SetDeliveryMethod(id string, method messaging.DeliveryMethod) error {
	res, err := s.db.Exec(`UPDATE messages SET delivery_method = ? WHERE id = ?`, string(method), id)
	if err != nil {
		return storageErr("set delivery method", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
