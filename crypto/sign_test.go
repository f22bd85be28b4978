package crypto

import "testing"

func TestSignAndVerify(t *testing.T) {
	keys, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error: %v", err)
	}

	message := []byte("signed statement")

	signature, err := Sign(message, keys.Private)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	valid, err := Verify(message, signature, keys.Public)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if !valid {
		t.Error("Verify() rejected a valid signature")
	}
}

func TestVerifyRejectsForgery(t *testing.T) {
	keys, _ := GenerateSigningKeyPair()
	otherKeys, _ := GenerateSigningKeyPair()

	message := []byte("original message")
	signature, err := Sign(message, keys.Private)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}

	cases := []struct {
		name      string
		message   []byte
		signature Signature
		publicKey [32]byte
	}{
		{name: "Altered message", message: []byte("altered message"), signature: signature, publicKey: keys.Public},
		{name: "Wrong public key", message: message, signature: signature, publicKey: otherKeys.Public},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, err := Verify(tc.message, tc.signature, tc.publicKey)
			if err != nil {
				t.Fatalf("Verify() error: %v", err)
			}
			if valid {
				t.Error("Verify() accepted an invalid signature")
			}
		})
	}

	t.Run("Corrupted signature", func(t *testing.T) {
		corrupted := signature
		corrupted[0] ^= 0xff

		valid, err := Verify(message, corrupted, keys.Public)
		if err != nil {
			t.Fatalf("Verify() error: %v", err)
		}
		if valid {
			t.Error("Verify() accepted a corrupted signature")
		}
	})
}

func TestFromSigningSeedRoundTrip(t *testing.T) {
	keys, err := GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("GenerateSigningKeyPair() error: %v", err)
	}

	restored, err := FromSigningSeed(keys.Private)
	if err != nil {
		t.Fatalf("FromSigningSeed() error: %v", err)
	}

	if restored.Public != keys.Public {
		t.Error("FromSigningSeed() derived a different public key")
	}

	if _, err := FromSigningSeed([32]byte{}); err == nil {
		t.Error("FromSigningSeed() accepted an all-zero seed")
	}
}
