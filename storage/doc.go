// Package storage persists the meshmsg session state: the singleton
// identity, the contact list, the per-contact message log, and the
// pending-delivery queue.
//
// Everything lives in a single SQLite database. Stores are created if
// absent; no further schema migration is attempted. Identity private
// keys are wrapped with a passphrase-derived key when the session is
// configured with one.
package storage
