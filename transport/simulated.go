package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// SimulatedNetwork connects SimulatedTransport instances in memory.
// Every transport attached to the same network can discover and connect
// to every other one.
type SimulatedNetwork struct {
	mu       sync.RWMutex
	nodes    map[string]*SimulatedTransport
	watchers map[chan PeerInfo]string
}

// NewSimulatedNetwork creates an empty in-memory network.
func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		nodes:    make(map[string]*SimulatedTransport),
		watchers: make(map[chan PeerInfo]string),
	}
}

// Attach adds a node to the network and returns its transport. The id
// must be unique within the network; the public key is exposed to other
// nodes during discovery.
func (n *SimulatedNetwork) Attach(id, publicKey string) *SimulatedTransport {
	node := &SimulatedTransport{
		network:   n,
		id:        id,
		publicKey: publicKey,
		available: true,
		incoming:  make(chan Conn, 8),
	}

	n.mu.Lock()
	n.nodes[id] = node
	info := PeerInfo{ID: id, PublicKey: publicKey, Addr: "sim://" + id}
	for ch, watcherID := range n.watchers {
		if watcherID == id {
			continue
		}
		select {
		case ch <- info:
		default:
		}
	}
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Attach",
		"node_id":  id,
	}).Debug("Node attached to simulated network")

	return node
}

func (n *SimulatedNetwork) lookup(id string) *SimulatedTransport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id]
}

func (n *SimulatedNetwork) peersOf(id string) []PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]PeerInfo, 0, len(n.nodes))
	for nodeID, node := range n.nodes {
		if nodeID == id || !node.CheckAvailability() {
			continue
		}
		peers = append(peers, PeerInfo{ID: nodeID, PublicKey: node.publicKey, Addr: "sim://" + nodeID})
	}
	return peers
}

func (n *SimulatedNetwork) subscribe(id string) (chan PeerInfo, func()) {
	ch := make(chan PeerInfo, 8)
	n.mu.Lock()
	n.watchers[ch] = id
	n.mu.Unlock()

	return ch, func() {
		n.mu.Lock()
		delete(n.watchers, ch)
		n.mu.Unlock()
	}
}

// SimulatedTransport is an in-memory LocalTransport backed by a
// SimulatedNetwork. It preserves message boundaries and supports
// toggling availability, which lets tests drive connectivity changes.
type SimulatedTransport struct {
	network   *SimulatedNetwork
	id        string
	publicKey string

	mu            sync.Mutex
	available     bool
	stopDiscovery context.CancelFunc
	incoming      chan Conn
}

// CheckAvailability reports whether the node is currently reachable on
// the simulated medium.
func (t *SimulatedTransport) CheckAvailability() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.available
}

// SetAvailable toggles the node's reachability on the medium.
func (t *SimulatedTransport) SetAvailable(available bool) {
	t.mu.Lock()
	t.available = available
	t.mu.Unlock()
}

// StartDiscovery emits the peers currently attached to the network,
// then any peer attached while the scan is running.
func (t *SimulatedTransport) StartDiscovery(ctx context.Context) (<-chan PeerInfo, error) {
	if !t.CheckAvailability() {
		return nil, ErrTransportUnavailable
	}

	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	if t.stopDiscovery != nil {
		t.stopDiscovery()
	}
	t.stopDiscovery = cancel
	t.mu.Unlock()

	updates, unsubscribe := t.network.subscribe(t.id)
	out := make(chan PeerInfo, 8)

	go func() {
		defer close(out)
		defer unsubscribe()

		for _, peer := range t.network.peersOf(t.id) {
			select {
			case out <- peer:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case peer := <-updates:
				select {
				case out <- peer:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// StopDiscovery ends an active scan.
func (t *SimulatedTransport) StopDiscovery() {
	t.mu.Lock()
	if t.stopDiscovery != nil {
		t.stopDiscovery()
		t.stopDiscovery = nil
	}
	t.mu.Unlock()
}

// Connect opens a connection to a peer on the same network. The remote
// end is delivered to the peer's Accept channel.
func (t *SimulatedTransport) Connect(ctx context.Context, peer PeerInfo) (Conn, error) {
	if !t.CheckAvailability() {
		return nil, ErrTransportUnavailable
	}

	remote := t.network.lookup(peer.ID)
	if remote == nil {
		return nil, fmt.Errorf("connect to %s: %w", peer.ID, ErrPeerNotFound)
	}
	if !remote.CheckAvailability() {
		return nil, fmt.Errorf("connect to %s: %w", peer.ID, ErrTransportUnavailable)
	}

	local, far := newConnPair()
	select {
	case remote.incoming <- far:
	case <-ctx.Done():
		local.Disconnect()
		return nil, ctx.Err()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"node_id":  t.id,
		"peer_id":  peer.ID,
	}).Debug("Simulated connection established")

	return local, nil
}

// Accept returns the channel on which inbound connections arrive.
func (t *SimulatedTransport) Accept() <-chan Conn {
	return t.incoming
}

type simPipe struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (p *simPipe) close() {
	p.once.Do(func() { close(p.done) })
}

type simConn struct {
	out *simPipe
	in  *simPipe
}

func newConnPair() (Conn, Conn) {
	ab := &simPipe{ch: make(chan []byte, 32), done: make(chan struct{})}
	ba := &simPipe{ch: make(chan []byte, 32), done: make(chan struct{})}
	return &simConn{out: ab, in: ba}, &simConn{out: ba, in: ab}
}

func (c *simConn) SendBytes(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-c.out.done:
		return ErrConnectionClosed
	case c.out.ch <- buf:
		return nil
	}
}

func (c *simConn) Receive() ([]byte, error) {
	// Drain buffered messages before reporting a close.
	select {
	case data := <-c.in.ch:
		return data, nil
	default:
	}

	select {
	case data := <-c.in.ch:
		return data, nil
	case <-c.in.done:
		return nil, ErrConnectionClosed
	}
}

func (c *simConn) Disconnect() error {
	c.out.close()
	c.in.close()
	return nil
}
