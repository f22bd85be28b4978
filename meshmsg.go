// Package meshmsg implements a peer-identity end-to-end encrypted
// messaging client with store-and-forward delivery.
//
// A Session owns the local identity, the contact list, the message
// store and the delivery path. Messages are encrypted and signed per
// recipient, submitted to a relay when the network is reachable and
// queued durably when it is not. A short-range local transport can
// carry messages directly to nearby peers over a mutually
// authenticated channel.
//
// Example:
//
//	options := meshmsg.NewOptions()
//	options.DataDir = "/var/lib/meshmsg"
//	options.RelayURL = "https://relay.example.com"
//	options.DisplayName = "alice"
//
//	session, err := meshmsg.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	session.OnMessageReceived(func(msg messaging.Message) {
//	    fmt.Printf("Message from %s: %s\n", msg.ContactID, msg.Plaintext)
//	})
//
//	session.SetNetworkAvailable(true)
//	session.SendMessage(ctx, contactID, "hello")
package meshmsg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/connectivity"
	"github.com/opd-ai/meshmsg/contact"
	"github.com/opd-ai/meshmsg/messaging"
	"github.com/opd-ai/meshmsg/relay"
	"github.com/opd-ai/meshmsg/storage"
	"github.com/opd-ai/meshmsg/transport"
)

var (
	// ErrUnknownContact indicates the addressee is not in the contact
	// store.
	ErrUnknownContact = errors.New("unknown contact")
	// ErrInvalidExchange indicates a contact exchange payload that is
	// malformed or inconsistent.
	ErrInvalidExchange = errors.New("invalid contact exchange")
	// ErrNoRelay indicates the session was configured without a relay.
	ErrNoRelay = errors.New("no relay configured")
	// ErrNoTransport indicates the session was configured without a
	// local transport.
	ErrNoTransport = errors.New("no local transport configured")
)

// UnknownSenderPolicy decides what happens to inbound messages whose
// sender key does not match any contact.
type UnknownSenderPolicy string

const (
	// UnknownSenderDrop discards the message without acknowledging it.
	UnknownSenderDrop UnknownSenderPolicy = "drop"
	// UnknownSenderCreate adds a placeholder contact and accepts the
	// message.
	UnknownSenderCreate UnknownSenderPolicy = "create"
)

// Options contains the configuration for creating a Session.
type Options struct {
	// DataDir is the directory holding the sqlite database.
	DataDir string
	// Passphrase, when set, wraps the identity's private keys at rest.
	Passphrase []byte
	// RelayURL is the base URL of the store-and-forward relay. Empty
	// disables the relay path.
	RelayURL string
	// DisplayName is used when a new identity is created.
	DisplayName string
	// UnknownSenderPolicy controls handling of inbound messages from
	// keys not in the contact store.
	UnknownSenderPolicy UnknownSenderPolicy
	// LocalTransport enables direct peer-to-peer delivery. Nil disables
	// the p2p path.
	LocalTransport transport.LocalTransport
	// RetryBackoff is the base backoff between queue delivery attempts.
	RetryBackoff time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		DataDir:             ".",
		DisplayName:         "anonymous",
		UnknownSenderPolicy: UnknownSenderDrop,
		RetryBackoff:        30 * time.Second,
	}
}

// DrainResult summarizes one pass over the pending queue.
type DrainResult struct {
	Attempted int
	Delivered int
	Failed    int
	Skipped   int
}

// Session is a running messaging client instance.
type Session struct {
	options  *Options
	store    *storage.Store
	identity *contact.Identity
	relay    *relay.Client
	machine  *connectivity.Machine

	// mu serializes session mutations.
	mu sync.Mutex

	// peer channels keyed by contact id
	peers     map[string]*transport.NoiseChannel
	peersMu   sync.Mutex
	discovery context.CancelFunc

	// drain reentrancy guard and subscription state
	drainMu      sync.Mutex
	draining     bool
	drainPending bool
	drainForce   bool
	drainTimer   *time.Timer
	subscribed   bool

	// callbacks
	callbackMu      sync.Mutex
	messageCallback func(messaging.Message)
	drainCallback   func(DrainResult)
	modeCallback    func(from, to connectivity.Mode)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Session from the given options. When no identity exists
// in the data directory yet, one is created with fresh key pairs and
// the configured display name.
func New(options *Options) (*Session, error) {
	if options == nil {
		options = NewOptions()
	}

	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, err := storage.Open(filepath.Join(options.DataDir, "meshmsg.db"), options.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	identity, err := store.LoadIdentity()
	if errors.Is(err, storage.ErrNoIdentity) {
		identity, err = createIdentity(store, options.DisplayName)
	}
	if err != nil {
		store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		options:  options,
		store:    store,
		identity: identity,
		machine:  connectivity.NewMachine(),
		peers:    make(map[string]*transport.NoiseChannel),
		ctx:      ctx,
		cancel:   cancel,
	}

	if options.RelayURL != "" {
		s.relay = relay.NewClient(options.RelayURL)
	}

	s.machine.OnTransition(s.handleModeChange)

	if acceptor, ok := options.LocalTransport.(interface{ Accept() <-chan transport.Conn }); ok {
		s.wg.Add(1)
		go s.acceptLoop(acceptor.Accept())
	}

	logrus.WithFields(logrus.Fields{
		"function":     "New",
		"identity_id":  identity.ID,
		"display_name": identity.DisplayName,
	}).Info("Session created")

	return s, nil
}

// createIdentity runs first-start onboarding: generate key pairs,
// derive the short id and persist the identity.
func createIdentity(store *storage.Store, displayName string) (*contact.Identity, error) {
	identity, err := contact.NewIdentity(displayName)
	if err != nil {
		return nil, fmt.Errorf("create identity: %w", err)
	}
	if err := store.SaveIdentity(identity); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":    "createIdentity",
		"identity_id": identity.ID,
	}).Info("New identity created")

	return identity, nil
}

// Identity returns the session's identity. Private key material stays
// owned by the session.
func (s *Session) Identity() *contact.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// SetDisplayName updates the identity's display name. Keys are
// immutable; the name is the only mutable identity attribute.
func (s *Session) SetDisplayName(displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if displayName == "" {
		return errors.New("display name cannot be empty")
	}
	if err := s.store.UpdateIdentityName(displayName); err != nil {
		return err
	}
	s.identity.DisplayName = displayName
	return nil
}

// Mode returns the current connectivity mode.
func (s *Session) Mode() connectivity.Mode {
	return s.machine.Mode()
}

// SetNetworkAvailable feeds the internet-reachability input to the
// connectivity machine. Becoming reachable triggers a queue drain and
// an inbound fetch.
func (s *Session) SetNetworkAvailable(available bool) {
	s.machine.SetReachable(available)
}

// OnMessageReceived registers the observer for inbound messages.
func (s *Session) OnMessageReceived(fn func(messaging.Message)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.messageCallback = fn
}

// OnQueueDrained registers the observer for completed drain passes.
func (s *Session) OnQueueDrained(fn func(DrainResult)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.drainCallback = fn
}

// OnConnectionModeChanged registers the observer for connectivity mode
// transitions.
func (s *Session) OnConnectionModeChanged(fn func(from, to connectivity.Mode)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.modeCallback = fn
}

func (s *Session) handleModeChange(from, to connectivity.Mode) {
	if !from.Reachable() && to.Reachable() {
		s.triggerDrain(true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.fetchInbound(s.ctx)
		}()
		s.ensureSubscribed()
	}

	s.callbackMu.Lock()
	fn := s.modeCallback
	s.callbackMu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

// Close shuts the session down: discovery and subscriptions stop, peer
// channels close and the store is released.
func (s *Session) Close() error {
	s.cancel()
	s.StopLocalDiscovery()

	s.drainMu.Lock()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
	}
	s.drainMu.Unlock()

	s.peersMu.Lock()
	for id, ch := range s.peers {
		ch.Disconnect()
		delete(s.peers, id)
	}
	s.peersMu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.Close()
	s.identity.Wipe()

	logrus.WithFields(logrus.Fields{
		"function": "Close",
	}).Info("Session closed")

	return err
}
