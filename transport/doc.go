// Package transport defines the local short-range transport abstraction
// used for direct peer-to-peer delivery, together with a simulated
// in-memory implementation and a Noise-IK secured channel.
//
// A LocalTransport discovers nearby peers and opens message-oriented
// connections to them. Implementations are expected to preserve message
// boundaries: one SendBytes on one end is one Receive on the other.
//
// NoiseChannel wraps a raw Conn with a Noise IK handshake
// (DH25519, ChaChaPoly, SHA-256) so that both ends are mutually
// authenticated by their long-term X25519 keys before any payload
// crosses the link:
//
//	conn, _ := tr.Connect(ctx, peer)
//	ch, err := transport.DialNoise(conn, identityPrivateKey, peerPublicKey)
//	if err != nil {
//		// peer failed authentication
//	}
//	err = ch.SendBytes(payload)
//
// The simulated transport exists for tests and for wiring the delivery
// path before a native radio transport is available.
package transport
