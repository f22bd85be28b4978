package crypto

import (
	"bytes"
	"testing"
)

func TestKeystoreSealOpen(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error: %v", err)
	}

	ks, err := NewKeystore([]byte("correct horse battery staple"), salt)
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	defer ks.Close()

	secret := []byte("private key material")

	sealed, err := ks.Seal(secret)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	if bytes.Contains(sealed, secret) {
		t.Error("Seal() output contains the plaintext")
	}

	opened, err := ks.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if !bytes.Equal(opened, secret) {
		t.Errorf("Open() = %q, want %q", opened, secret)
	}
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	salt, _ := GenerateSalt()

	ks, err := NewKeystore([]byte("right passphrase"), salt)
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	sealed, err := ks.Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	ks.Close()

	wrong, err := NewKeystore([]byte("wrong passphrase"), salt)
	if err != nil {
		t.Fatalf("NewKeystore() error: %v", err)
	}
	defer wrong.Close()

	if _, err := wrong.Open(sealed); err == nil {
		t.Error("Open() succeeded with the wrong passphrase")
	}
}

func TestKeystoreValidation(t *testing.T) {
	salt, _ := GenerateSalt()

	if _, err := NewKeystore(nil, salt); err == nil {
		t.Error("NewKeystore() accepted an empty passphrase")
	}

	if _, err := NewKeystore([]byte("pw"), []byte("short")); err == nil {
		t.Error("NewKeystore() accepted an invalid salt")
	}

	ks, _ := NewKeystore([]byte("pw"), salt)
	defer ks.Close()

	if _, err := ks.Open([]byte{0, 1, 2}); err == nil {
		t.Error("Open() accepted a truncated blob")
	}

	sealed, _ := ks.Seal([]byte("x"))
	sealed[0] = 0xff // unknown version
	if _, err := ks.Open(sealed); err == nil {
		t.Error("Open() accepted an unknown version")
	}
}
