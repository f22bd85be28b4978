package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/contact"
	"github.com/opd-ai/meshmsg/crypto"
)

// SaveIdentity stores the singleton identity record, replacing any
// previous one. Private keys are sealed when a keystore is configured.
func (s *Store) SaveIdentity(id *contact.Identity) error {
	encPriv := append([]byte(nil), id.EncryptionKeys.Private[:]...)
	sigPriv := append([]byte(nil), id.SigningKeys.Private[:]...)
	defer crypto.ZeroBytes(encPriv)
	defer crypto.ZeroBytes(sigPriv)

	sealed := false
	if s.keystore != nil {
		var err error
		if encPriv, err = s.keystore.Seal(encPriv); err != nil {
			return storageErr("seal identity key", err)
		}
		if sigPriv, err = s.keystore.Seal(sigPriv); err != nil {
			return storageErr("seal identity key", err)
		}
		sealed = true
	}

	_, err := s.db.Exec(`
		INSERT INTO identity (singleton, id, display_name, enc_public, enc_private, sig_public, sig_private, sealed, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			id = excluded.id,
			display_name = excluded.display_name,
			enc_public = excluded.enc_public,
			enc_private = excluded.enc_private,
			sig_public = excluded.sig_public,
			sig_private = excluded.sig_private,
			sealed = excluded.sealed,
			created_at = excluded.created_at`,
		id.ID, id.DisplayName,
		id.PublicEncryptionKey(), encPriv,
		id.PublicSigningKey(), sigPriv,
		sealed, id.CreatedAt)
	if err != nil {
		return storageErr("save identity", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "SaveIdentity",
		"identity_id": id.ID,
		"sealed":      sealed,
	}).Info("Identity persisted")

	return nil
}

// LoadIdentity retrieves the singleton identity, or ErrNoIdentity when
// onboarding has not happened yet.
func (s *Store) LoadIdentity() (*contact.Identity, error) {
	var (
		identityID  string
		displayName string
		encPublic   string
		encPrivate  []byte
		sigPublic   string
		sigPrivate  []byte
		sealed      bool
		createdAt   time.Time
	)

	err := s.db.QueryRow(`
		SELECT id, display_name, enc_public, enc_private, sig_public, sig_private, sealed, created_at
		FROM identity WHERE singleton = 1`).
		Scan(&identityID, &displayName, &encPublic, &encPrivate, &sigPublic, &sigPrivate, &sealed, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, storageErr("load identity", err)
	}

	if sealed {
		if s.keystore == nil {
			return nil, storageErr("load identity", fmt.Errorf("identity is sealed but no passphrase was configured"))
		}
		if encPrivate, err = s.keystore.Open(encPrivate); err != nil {
			return nil, storageErr("unseal identity key", err)
		}
		if sigPrivate, err = s.keystore.Open(sigPrivate); err != nil {
			return nil, storageErr("unseal identity key", err)
		}
	}
	defer crypto.ZeroBytes(encPrivate)
	defer crypto.ZeroBytes(sigPrivate)

	if len(encPrivate) != 32 || len(sigPrivate) != 32 {
		return nil, storageErr("load identity", fmt.Errorf("corrupt private key material"))
	}

	var encSeed, sigSeed [32]byte
	copy(encSeed[:], encPrivate)
	copy(sigSeed[:], sigPrivate)

	encKeys, err := crypto.FromSecretKey(encSeed)
	if err != nil {
		return nil, storageErr("load identity", err)
	}
	sigKeys, err := crypto.FromSigningSeed(sigSeed)
	if err != nil {
		return nil, storageErr("load identity", err)
	}

	return &contact.Identity{
		ID:             identityID,
		EncryptionKeys: encKeys,
		SigningKeys:    sigKeys,
		DisplayName:    displayName,
		CreatedAt:      createdAt,
	}, nil
}

// UpdateIdentityName changes the identity's display name, the only
// mutable identity field.
func (s *Store) UpdateIdentityName(displayName string) error {
	res, err := s.db.Exec(`UPDATE identity SET display_name = ? WHERE singleton = 1`, displayName)
	if err != nil {
		return storageErr("update identity name", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoIdentity
	}
	return nil
}
