// Package relay implements the store-and-forward protocol used when
// peers cannot reach each other directly.
//
// The relay holds only ciphertext: a sender submits a sealed envelope
// for a recipient public key, the recipient fetches pending envelopes
// oldest-first and acknowledges each one after applying it locally.
// Acknowledged and expired envelopes are deleted. A websocket channel
// keyed by recipient public key delivers at-least-once hints that new
// envelopes arrived; it is never the data path itself.
//
// The package contains both sides: the Client used by the delivery
// engine and the Server/EnvelopeStore run by a relay operator.
package relay
