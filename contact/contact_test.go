package contact

import (
	"testing"
	"time"

	"github.com/opd-ai/meshmsg/crypto"
)

type mockTimeProvider struct {
	currentTime time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	return m.currentTime
}

func testKeys(t *testing.T) (string, string) {
	t.Helper()

	encKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate encryption keys: %v", err)
	}
	sigKeys, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("Failed to generate signing keys: %v", err)
	}

	return crypto.ExportPublicKey(encKeys.Public), crypto.ExportPublicKey(sigKeys.Public)
}

func TestNewContact(t *testing.T) {
	encPub, sigPub := testKeys(t)

	c, err := New(encPub, sigPub, "Bob")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if c.ID != crypto.DeriveShortID(encPub) {
		t.Error("Contact ID is not the derived fingerprint of the encryption key")
	}

	if c.ConnectionType != ConnectionUnknown {
		t.Errorf("New contact connection type = %q, want %q", c.ConnectionType, ConnectionUnknown)
	}

	if c.LastSeen != nil {
		t.Error("New contact should have no last seen time")
	}
}

func TestNewContactIdempotentID(t *testing.T) {
	encPub, sigPub := testKeys(t)

	first, err := New(encPub, sigPub, "Bob")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	// Re-adding the identical keys must recompute the same id
	second, err := New(encPub, sigPub, "Bobby")
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Same key produced different ids: %q vs %q", first.ID, second.ID)
	}
}

func TestNewContactValidation(t *testing.T) {
	encPub, sigPub := testKeys(t)

	cases := []struct {
		name   string
		encKey string
		sigKey string
		dnName string
	}{
		{name: "Bad encryption key", encKey: "garbage", sigKey: sigPub, dnName: "Bob"},
		{name: "Bad signing key", encKey: encPub, sigKey: "garbage", dnName: "Bob"},
		{name: "Empty display name", encKey: encPub, sigKey: sigPub, dnName: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.encKey, tc.sigKey, tc.dnName); err == nil {
				t.Error("New() expected error but got nil")
			}
		})
	}
}

func TestMarkSeen(t *testing.T) {
	encPub, sigPub := testKeys(t)
	mock := &mockTimeProvider{currentTime: time.Unix(1000000, 0)}

	c, err := NewWithTimeProvider(encPub, sigPub, "Bob", mock)
	if err != nil {
		t.Fatalf("NewWithTimeProvider() error: %v", err)
	}

	c.MarkSeen(ConnectionP2P)

	if c.LastSeen == nil || !c.LastSeen.Equal(mock.currentTime) {
		t.Error("MarkSeen() did not record the current time")
	}
	if c.ConnectionType != ConnectionP2P {
		t.Errorf("ConnectionType = %q, want %q", c.ConnectionType, ConnectionP2P)
	}

	mock.currentTime = mock.currentTime.Add(90 * time.Second)
	if got := c.LastSeenDuration(); got != 90*time.Second {
		t.Errorf("LastSeenDuration() = %v, want %v", got, 90*time.Second)
	}
}

func TestNewIdentity(t *testing.T) {
	identity, err := NewIdentity("Alice")
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	// The id must be the deterministic short form of the exported
	// encryption public key
	wantID := crypto.DeriveShortID(identity.PublicEncryptionKey())
	if identity.ID != wantID {
		t.Errorf("Identity ID = %q, want %q", identity.ID, wantID)
	}

	if identity.EncryptionKeys == nil || identity.SigningKeys == nil {
		t.Fatal("NewIdentity() returned nil key pairs")
	}

	if _, err := NewIdentity(""); err == nil {
		t.Error("NewIdentity() accepted an empty display name")
	}
}

func TestIdentityAsContact(t *testing.T) {
	identity, err := NewIdentity("Alice")
	if err != nil {
		t.Fatalf("NewIdentity() error: %v", err)
	}

	c, err := identity.AsContact()
	if err != nil {
		t.Fatalf("AsContact() error: %v", err)
	}

	if c.ID != identity.ID {
		t.Error("AsContact() id does not match the identity id")
	}
	if c.DisplayName != "Alice" {
		t.Errorf("AsContact() display name = %q, want %q", c.DisplayName, "Alice")
	}
}
