package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/crypto"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNoIdentity indicates no identity has been created yet.
	ErrNoIdentity = errors.New("no identity stored")
)

// StorageError wraps a persistence failure with the operation that
// produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Store is the durable local state of a meshmsg session.
type Store struct {
	db       *sql.DB
	keystore *crypto.Keystore
}

// Open opens (or creates) the database at dataSourceName. When a
// passphrase is supplied, identity private keys are sealed at rest with
// a key derived from it; the salt lives in the meta table.
func Open(dataSourceName string, passphrase []byte) (*Store, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, storageErr("open", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("open", err)
	}

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	if len(passphrase) > 0 {
		ks, err := s.openKeystore(passphrase)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.keystore = ks
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Open",
		"source":    dataSourceName,
		"encrypted": s.keystore != nil,
	}).Info("Opened local store")

	return s, nil
}

// Close releases the database handle and wipes the keystore key.
func (s *Store) Close() error {
	if s.keystore != nil {
		s.keystore.Close()
	}
	return s.db.Close()
}

func (s *Store) createTables() error {
	// Simplified bootstrap; stores are created if absent, nothing more.
	query := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS identity (
		singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
		id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		enc_public TEXT NOT NULL,
		enc_private BLOB NOT NULL,
		sig_public TEXT NOT NULL,
		sig_private BLOB NOT NULL,
		sealed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		enc_public TEXT NOT NULL,
		sig_public TEXT NOT NULL,
		display_name TEXT NOT NULL,
		last_seen DATETIME,
		connection_type TEXT NOT NULL,
		is_gateway BOOLEAN NOT NULL DEFAULT FALSE,
		added_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contacts_display_name ON contacts(display_name);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		contact_id TEXT NOT NULL,
		plaintext TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		signature BLOB,
		timestamp DATETIME NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		delivery_method TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_contact_time ON messages(contact_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

	CREATE TABLE IF NOT EXISTS queue (
		id TEXT PRIMARY KEY,
		recipient_id TEXT NOT NULL,
		recipient_public_key TEXT NOT NULL,
		ciphertext BLOB NOT NULL,
		iv BLOB NOT NULL,
		signature BLOB,
		timestamp DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_queue_recipient ON queue(recipient_id);
	`

	if _, err := s.db.Exec(query); err != nil {
		return storageErr("create tables", err)
	}
	return nil
}

// openKeystore loads the persisted PBKDF2 salt (generating one on first
// use) and derives the wrapping keystore from the passphrase.
func (s *Store) openKeystore(passphrase []byte) (*crypto.Keystore, error) {
	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'keystore_salt'`).Scan(&salt)
	switch {
	case err == sql.ErrNoRows:
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, storageErr("generate salt", err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('keystore_salt', ?)`, salt); err != nil {
			return nil, storageErr("save salt", err)
		}
	case err != nil:
		return nil, storageErr("load salt", err)
	}

	ks, err := crypto.NewKeystore(passphrase, salt)
	if err != nil {
		return nil, storageErr("derive keystore", err)
	}
	return ks, nil
}
