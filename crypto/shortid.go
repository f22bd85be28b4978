package crypto

import (
	"encoding/hex"
	"hash/fnv"
)

// ShortIDLength is the length of a derived fingerprint in hex characters.
const ShortIDLength = 16

// DeriveShortID computes a deterministic, non-cryptographic fingerprint
// of an exported public key, used as the contact/identity primary key
// and for UI display. Collisions are possible and acceptable for a
// display aid; trust decisions are always rooted in the full public key.
func DeriveShortID(publicKey string) string {
	h := fnv.New64a()
	// fnv writes never fail
	h.Write([]byte(publicKey))

	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:ShortIDLength]
}
