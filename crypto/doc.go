// Package crypto implements the cryptographic engine for meshmsg.
//
// This package handles key generation, public key import/export,
// shared-key derivation, authenticated encryption, and signatures
// using Go's x/crypto curve25519 primitives, Ed25519, and AES-GCM.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", crypto.ExportPublicKey(keys.Public))
package crypto
