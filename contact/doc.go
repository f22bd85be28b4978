// Package contact defines the identity and contact records at the heart
// of the meshmsg trust model.
//
// A Contact is only ever created by explicit user action (manual entry
// or a scanned exchange payload) and is keyed by a short fingerprint
// derived from its encryption public key, so re-adding the same key is
// idempotent. The local Identity is a singleton holding the device's
// key-agreement and signing key pairs; its private halves never leave
// the device.
//
// Example:
//
//	c, err := contact.New(encPub, sigPub, "Bob")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Contact id:", c.ID)
package contact
