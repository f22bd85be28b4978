package meshmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshmsg/contact"
	"github.com/opd-ai/meshmsg/crypto"
	"github.com/opd-ai/meshmsg/messaging"
	"github.com/opd-ai/meshmsg/storage"
	"github.com/opd-ai/meshmsg/transport"
)

// directFrame is the wire format for messages crossing a peer channel.
// The channel itself is already encrypted; the frame still carries the
// per-message ciphertext and signature so the record stored on both
// ends is identical to the relay path.
type directFrame struct {
	Type            string    `json:"type"`
	ID              string    `json:"id"`
	SenderPublicKey string    `json:"senderPublicKey"`
	Ciphertext      []byte    `json:"ciphertext"`
	IV              []byte    `json:"iv"`
	Signature       []byte    `json:"signature"`
	Timestamp       time.Time `json:"timestamp"`
}

const frameTypeMessage = "message"

// StartLocalDiscovery begins scanning the local transport for peers.
// Discovered peers that match a stored contact are connected
// automatically.
func (s *Session) StartLocalDiscovery() error {
	if s.options.LocalTransport == nil {
		return ErrNoTransport
	}

	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.discovery != nil {
		s.discovery()
	}
	s.discovery = cancel
	s.mu.Unlock()

	peers, err := s.options.LocalTransport.StartDiscovery(ctx)
	if err != nil {
		cancel()
		return err
	}
	s.machine.SetDiscovering(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case peer, ok := <-peers:
				if !ok {
					s.machine.SetDiscovering(false)
					return
				}
				s.handleDiscovered(ctx, peer)
			case <-ctx.Done():
				s.machine.SetDiscovering(false)
				return
			}
		}
	}()

	return nil
}

// StopLocalDiscovery ends an active scan and leaves discovery mode.
func (s *Session) StopLocalDiscovery() {
	s.mu.Lock()
	cancel := s.discovery
	s.discovery = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.options.LocalTransport != nil {
		s.options.LocalTransport.StopDiscovery()
	}
	s.machine.SetDiscovering(false)
}

func (s *Session) handleDiscovered(ctx context.Context, peer transport.PeerInfo) {
	logrus.WithFields(logrus.Fields{
		"function": "handleDiscovered",
		"peer_id":  peer.ID,
	}).Debug("Peer discovered")

	if peer.PublicKey == "" {
		return
	}

	s.mu.Lock()
	c, err := s.store.GetContactByPublicKey(peer.PublicKey)
	s.mu.Unlock()
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDiscovered",
			"peer_id":  peer.ID,
			"error":    err,
		}).Error("Contact lookup failed")
		return
	}
	if s.peerChannel(c.ID) != nil {
		return
	}

	if err := s.ConnectPeer(ctx, peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleDiscovered",
			"peer_id":  peer.ID,
			"error":    err,
		}).Warn("Failed to connect to discovered peer")
	}
}

// ConnectPeer opens an authenticated channel to a discovered peer. The
// peer must prove possession of an encryption key that maps to a stored
// contact; anything else is disconnected.
func (s *Session) ConnectPeer(ctx context.Context, peer transport.PeerInfo) error {
	if s.options.LocalTransport == nil {
		return ErrNoTransport
	}

	peerKey, err := crypto.ImportPublicKey(peer.PublicKey, crypto.KeyAgreement)
	if err != nil {
		return fmt.Errorf("peer public key: %w", err)
	}

	conn, err := s.options.LocalTransport.Connect(ctx, peer)
	if err != nil {
		return err
	}

	// Unblock the handshake read when the session shuts down.
	go func() {
		<-s.ctx.Done()
		conn.Disconnect()
	}()

	ch, err := transport.DialNoise(conn, s.identity.EncryptionKeys.Private, peerKey)
	if err != nil {
		conn.Disconnect()
		return err
	}

	c, err := s.contactForChannel(ch)
	if err != nil {
		ch.Disconnect()
		return err
	}

	s.registerPeer(c.ID, ch)
	s.markSeenP2P(c)

	s.wg.Add(1)
	go s.readLoop(c, ch)

	logrus.WithFields(logrus.Fields{
		"function":   "ConnectPeer",
		"contact_id": c.ID,
	}).Info("Peer channel established")

	return nil
}

// acceptLoop answers inbound peer connections for the life of the
// session.
func (s *Session) acceptLoop(incoming <-chan transport.Conn) {
	defer s.wg.Done()
	for {
		select {
		case conn, ok := <-incoming:
			if !ok {
				return
			}
			s.wg.Add(1)
			go s.handleInboundConn(conn)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleInboundConn(conn transport.Conn) {
	defer s.wg.Done()

	// Unblock the handshake read when the session shuts down.
	go func() {
		<-s.ctx.Done()
		conn.Disconnect()
	}()

	ch, err := transport.AcceptNoise(conn, s.identity.EncryptionKeys.Private)
	if err != nil {
		conn.Disconnect()
		logrus.WithFields(logrus.Fields{
			"function": "handleInboundConn",
			"error":    err,
		}).Warn("Inbound peer failed handshake")
		return
	}

	c, err := s.contactForChannel(ch)
	if err != nil {
		ch.Disconnect()
		logrus.WithFields(logrus.Fields{
			"function": "handleInboundConn",
			"error":    err,
		}).Warn("Rejecting inbound peer")
		return
	}

	s.registerPeer(c.ID, ch)
	s.markSeenP2P(c)

	s.wg.Add(1)
	go s.readLoop(c, ch)
}

// contactForChannel maps the channel's authenticated static key to a
// stored contact, applying the unknown-sender policy for strangers.
func (s *Session) contactForChannel(ch *transport.NoiseChannel) (*contact.Contact, error) {
	remote := ch.RemoteStaticKey()
	if len(remote) != 32 {
		return nil, fmt.Errorf("peer static key must be 32 bytes, got %d", len(remote))
	}
	var key [32]byte
	copy(key[:], remote)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.resolveSender(crypto.ExportPublicKey(key))
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrUnknownContact
	}
	return c, nil
}

func (s *Session) markSeenP2P(c *contact.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.MarkSeen(contact.ConnectionP2P)
	if err := s.store.PutContact(c); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "markSeenP2P",
			"contact_id": c.ID,
			"error":      err,
		}).Warn("Failed to update contact last seen")
	}
}

// readLoop consumes frames from a peer channel until it closes.
func (s *Session) readLoop(c *contact.Contact, ch *transport.NoiseChannel) {
	defer s.wg.Done()
	defer func() {
		s.unregisterPeer(c.ID)
		ch.Disconnect()
	}()

	for {
		data, err := ch.Receive()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readLoop",
				"contact_id": c.ID,
			}).Debug("Peer channel closed")
			return
		}

		var frame directFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "readLoop",
				"contact_id": c.ID,
				"error":      err,
			}).Warn("Discarding malformed frame")
			continue
		}
		if frame.Type != frameTypeMessage {
			continue
		}

		s.processDirect(c, frame)
	}
}

// processDirect persists one frame received over a peer channel.
func (s *Session) processDirect(c *contact.Contact, frame directFrame) {
	s.mu.Lock()

	msg, err := s.openInbound(c, frame.ID, frame.Ciphertext, frame.IV, frame.Signature, frame.Timestamp)
	if err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "processDirect",
			"contact_id": c.ID,
			"error":      err,
		}).Warn("Discarding direct message")
		return
	}
	msg.DeliveryMethod = messaging.DeliveryP2P

	if err := s.store.SaveMessage(msg); err != nil {
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "processDirect",
			"message_id": msg.ID,
			"error":      err,
		}).Error("Failed to persist direct message")
		return
	}
	s.mu.Unlock()

	s.dispatchMessage(*msg)
}

// sendDirect ships an outbound message over an open peer channel.
func (s *Session) sendDirect(ch *transport.NoiseChannel, msg *messaging.Message) error {
	frame := directFrame{
		Type:            frameTypeMessage,
		ID:              msg.ID,
		SenderPublicKey: s.identity.PublicEncryptionKey(),
		Ciphertext:      msg.Ciphertext,
		IV:              msg.IV[:],
		Signature:       msg.Signature,
		Timestamp:       msg.Timestamp,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ch.SendBytes(data)
}

// ConnectedPeers lists the contact ids with an open peer channel.
func (s *Session) ConnectedPeers() []string {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) peerChannel(contactID string) *transport.NoiseChannel {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return s.peers[contactID]
}

func (s *Session) registerPeer(contactID string, ch *transport.NoiseChannel) {
	s.peersMu.Lock()
	if old, ok := s.peers[contactID]; ok {
		old.Disconnect()
	}
	s.peers[contactID] = ch
	s.peersMu.Unlock()
}

func (s *Session) unregisterPeer(contactID string) {
	s.peersMu.Lock()
	delete(s.peers, contactID)
	s.peersMu.Unlock()
}
