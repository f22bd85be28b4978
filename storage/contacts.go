package storage

import (
	"database/sql"

	"github.com/opd-ai/meshmsg/contact"
)

// PutContact inserts or updates a contact record. Because the id is
// derived from the encryption public key, re-adding the same key is
// idempotent.
func (s *Store) PutContact(c *contact.Contact) error {
	var lastSeen sql.NullTime
	if c.LastSeen != nil {
		lastSeen = sql.NullTime{Time: *c.LastSeen, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO contacts (id, enc_public, sig_public, display_name, last_seen, connection_type, is_gateway, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			last_seen = excluded.last_seen,
			connection_type = excluded.connection_type,
			is_gateway = excluded.is_gateway`,
		c.ID, c.EncryptionPublicKey, c.SigningPublicKey, c.DisplayName,
		lastSeen, string(c.ConnectionType), c.IsGateway, c.AddedAt)
	if err != nil {
		return storageErr("put contact", err)
	}
	return nil
}

func scanContact(row interface{ Scan(...any) error }) (*contact.Contact, error) {
	var (
		c              contact.Contact
		lastSeen       sql.NullTime
		connectionType string
	)

	err := row.Scan(&c.ID, &c.EncryptionPublicKey, &c.SigningPublicKey, &c.DisplayName,
		&lastSeen, &connectionType, &c.IsGateway, &c.AddedAt)
	if err != nil {
		return nil, err
	}

	if lastSeen.Valid {
		t := lastSeen.Time
		c.LastSeen = &t
	}
	c.ConnectionType = contact.ConnectionType(connectionType)

	return &c, nil
}

const contactColumns = `id, enc_public, sig_public, display_name, last_seen, connection_type, is_gateway, added_at`

// GetContact retrieves a contact by its derived id.
func (s *Store) GetContact(id string) (*contact.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get contact", err)
	}
	return c, nil
}

// GetContactByPublicKey retrieves a contact by its exported encryption
// public key, the lookup used on the inbound relay path.
func (s *Store) GetContactByPublicKey(encryptionPublicKey string) (*contact.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE enc_public = ?`, encryptionPublicKey)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get contact by key", err)
	}
	return c, nil
}

// GetContactByName retrieves the first contact with the given display
// name.
func (s *Store) GetContactByName(displayName string) (*contact.Contact, error) {
	row := s.db.QueryRow(`SELECT `+contactColumns+` FROM contacts WHERE display_name = ? ORDER BY added_at LIMIT 1`, displayName)
	c, err := scanContact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get contact by name", err)
	}
	return c, nil
}

// ListContacts returns all contacts ordered by display name.
func (s *Store) ListContacts() ([]*contact.Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY display_name`)
	if err != nil {
		return nil, storageErr("list contacts", err)
	}
	defer rows.Close()

	var contacts []*contact.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, storageErr("list contacts", err)
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list contacts", err)
	}

	return contacts, nil
}

// DeleteContact removes a contact record. Deleting an unknown id is
// reported as ErrNotFound.
func (s *Store) DeleteContact(id string) error {
	res, err := s.db.Exec(`DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete contact", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
