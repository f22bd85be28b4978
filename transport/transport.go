package transport

import (
	"context"
	"errors"
)

var (
	// ErrTransportUnavailable indicates the underlying medium is not usable.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrPeerNotFound indicates the requested peer is not reachable.
	ErrPeerNotFound = errors.New("peer not found")
	// ErrConnectionClosed indicates the connection was disconnected.
	ErrConnectionClosed = errors.New("connection closed")
)

// PeerInfo describes a peer discovered on a local transport.
type PeerInfo struct {
	// ID is the transport-level identifier of the peer.
	ID string
	// PublicKey is the peer's base64-encoded encryption public key,
	// when the transport can learn it during discovery.
	PublicKey string
	// Addr is the transport-specific address, informational only.
	Addr string
}

// Conn is a message-oriented connection to a single peer. One SendBytes
// corresponds to exactly one Receive on the remote end.
type Conn interface {
	// SendBytes transmits one message to the peer.
	SendBytes(data []byte) error
	// Receive blocks until the next message arrives or the connection
	// closes, in which case it returns ErrConnectionClosed.
	Receive() ([]byte, error)
	// Disconnect closes the connection. Safe to call more than once.
	Disconnect() error
}

// LocalTransport is a short-range transport capable of discovering and
// connecting to nearby peers.
type LocalTransport interface {
	// CheckAvailability reports whether the underlying medium is usable
	// right now.
	CheckAvailability() bool
	// StartDiscovery begins scanning for peers. Discovered peers are
	// delivered on the returned channel until StopDiscovery is called
	// or the context is cancelled, after which the channel closes.
	StartDiscovery(ctx context.Context) (<-chan PeerInfo, error)
	// StopDiscovery stops an active scan. Safe to call when no scan is
	// running.
	StopDiscovery()
	// Connect opens a connection to a discovered peer.
	Connect(ctx context.Context, peer PeerInfo) (Conn, error)
}
