package meshmsg

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opd-ai/meshmsg/connectivity"
	"github.com/opd-ai/meshmsg/crypto"
	"github.com/opd-ai/meshmsg/messaging"
	"github.com/opd-ai/meshmsg/relay"
	"github.com/opd-ai/meshmsg/transport"
)

func newTestRelay(t *testing.T) (*httptest.Server, *relay.EnvelopeStore) {
	t.Helper()
	store := relay.NewEnvelopeStore()
	hub := relay.NewHub()
	go hub.Run()
	srv := relay.NewServer(store, hub)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})
	return ts, store
}

func newTestSession(t *testing.T, relayURL, name string) *Session {
	t.Helper()
	options := NewOptions()
	options.DataDir = t.TempDir()
	options.RelayURL = relayURL
	options.DisplayName = name
	s, err := New(options)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestOnboardingCreatesAndReloadsIdentity(t *testing.T) {
	options := NewOptions()
	options.DataDir = t.TempDir()
	options.DisplayName = "alice"

	s, err := New(options)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	identity := s.Identity()
	if identity.ID == "" || identity.DisplayName != "alice" {
		t.Errorf("Identity = %+v, want id set and name alice", identity)
	}
	firstID := identity.ID
	firstKey := identity.PublicEncryptionKey()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// A second start in the same data dir loads the same identity.
	s, err = New(options)
	if err != nil {
		t.Fatalf("New() reopen error: %v", err)
	}
	defer s.Close()
	if s.Identity().ID != firstID {
		t.Errorf("Reloaded identity id = %s, want %s", s.Identity().ID, firstID)
	}
	if s.Identity().PublicEncryptionKey() != firstKey {
		t.Error("Reloaded identity has different keys")
	}
}

func TestAddContactIdempotent(t *testing.T) {
	alice := newTestSession(t, "", "alice")
	bob := newTestSession(t, "", "bob")

	exchange := bob.ExportExchange()
	first, err := alice.AddContact(exchange)
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}
	second, err := alice.AddContact(exchange)
	if err != nil {
		t.Fatalf("AddContact() again error: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Contact ids differ: %s vs %s", first.ID, second.ID)
	}

	contacts, err := alice.Contacts()
	if err != nil {
		t.Fatalf("Contacts() error: %v", err)
	}
	if len(contacts) != 1 {
		t.Errorf("Contacts() returned %d entries, want 1", len(contacts))
	}
}

func TestAddContactRejectsBadExchange(t *testing.T) {
	alice := newTestSession(t, "", "alice")
	bob := newTestSession(t, "", "bob")

	wrongType := bob.ExportExchange()
	wrongType.Type = "vcard"
	if _, err := alice.AddContact(wrongType); err == nil {
		t.Error("AddContact() accepted wrong payload type")
	}

	forgedID := bob.ExportExchange()
	forgedID.ID = "0000000000000000"
	if _, err := alice.AddContact(forgedID); err == nil {
		t.Error("AddContact() accepted id not matching the key fingerprint")
	}
}

func TestSendMessageUnknownContact(t *testing.T) {
	alice := newTestSession(t, "", "alice")

	if _, err := alice.SendMessage(context.Background(), "nope", "hi"); err == nil {
		t.Error("SendMessage() to unknown contact succeeded")
	}
}

func TestOfflineSendThenDrain(t *testing.T) {
	// Reserve an address, then shut the listener so the relay is down.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	alice := newTestSession(t, "http://"+addr, "alice")
	bob := newTestSession(t, "", "bob")
	bobContact, err := alice.AddContact(bob.ExportExchange())
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	msg, err := alice.SendMessage(context.Background(), bobContact.ID, "hold this")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.Status != messaging.StatusPending {
		t.Fatalf("Status = %s with relay down, want pending", msg.Status)
	}

	stored, err := alice.Messages(bobContact.ID)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(stored) != 1 || stored[0].Status != messaging.StatusPending {
		t.Fatal("Pending message not persisted")
	}

	// Bring the relay up on the reserved address.
	listener, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("Listen() on reserved addr error: %v", err)
	}
	store := relay.NewEnvelopeStore()
	hub := relay.NewHub()
	go hub.Run()
	ts := httptest.NewUnstartedServer(relay.NewServer(store, hub).Router())
	ts.Listener.Close()
	ts.Listener = listener
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})

	drained := make(chan DrainResult, 1)
	alice.OnQueueDrained(func(r DrainResult) { drained <- r })

	// The failed immediate attempt recorded attempts=1. A long backoff
	// proves the reachability drain retries the item regardless of its
	// backoff window.
	alice.options.RetryBackoff = time.Minute

	alice.SetNetworkAvailable(true)

	select {
	case result := <-drained:
		if result.Delivered != 1 {
			t.Errorf("DrainResult = %+v, want 1 delivered", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Queue never drained after becoming reachable")
	}

	waitFor(t, 2*time.Second, func() bool {
		stored, _ := alice.Messages(bobContact.ID)
		return len(stored) == 1 && stored[0].Status == messaging.StatusSent
	}, "Message status never reached sent")

	if store.Stats().TotalEnvelopes != 1 {
		t.Error("Relay did not receive the drained envelope")
	}
}

func TestQueueRetriesAfterBackoff(t *testing.T) {
	// Reserve an address, then shut the listener so the relay is down.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	alice := newTestSession(t, "http://"+addr, "alice")
	bob := newTestSession(t, "", "bob")
	bobContact, err := alice.AddContact(bob.ExportExchange())
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	alice.options.RetryBackoff = 50 * time.Millisecond

	drained := make(chan DrainResult, 8)
	alice.OnQueueDrained(func(r DrainResult) { drained <- r })

	if _, err := alice.SendMessage(context.Background(), bobContact.ID, "retry me"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	alice.SetNetworkAvailable(true)

	// The transition drain still finds the relay down and fails.
	select {
	case result := <-drained:
		if result.Failed != 1 {
			t.Fatalf("DrainResult = %+v, want 1 failed", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Queue never drained after becoming reachable")
	}

	// Bring the relay up on the reserved address. No further trigger
	// follows; the rearmed backoff timer alone must deliver.
	listener, err = net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("Listen() on reserved addr error: %v", err)
	}
	store := relay.NewEnvelopeStore()
	hub := relay.NewHub()
	go hub.Run()
	ts := httptest.NewUnstartedServer(relay.NewServer(store, hub).Router())
	ts.Listener.Close()
	ts.Listener = listener
	ts.Start()
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})

	deadline := time.After(5 * time.Second)
	delivered := false
	for !delivered {
		select {
		case result := <-drained:
			if result.Delivered == 1 {
				delivered = true
			}
		case <-deadline:
			t.Fatal("Backoff retry never delivered the queued message")
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		stored, _ := alice.Messages(bobContact.ID)
		return len(stored) == 1 && stored[0].Status == messaging.StatusSent
	}, "Message status never reached sent")
}

func TestEndToEndOverRelay(t *testing.T) {
	ts, store := newTestRelay(t)

	alice := newTestSession(t, ts.URL, "alice")
	bob := newTestSession(t, ts.URL, "bob")

	aliceContact, err := bob.AddContact(alice.ExportExchange())
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}
	bobContact, err := alice.AddContact(bob.ExportExchange())
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	received := make(chan messaging.Message, 1)
	bob.OnMessageReceived(func(m messaging.Message) { received <- m })

	var modeChanges []connectivity.Mode
	alice.OnConnectionModeChanged(func(_, to connectivity.Mode) {
		modeChanges = append(modeChanges, to)
	})

	// Bob goes online first so the push subscription is live.
	bob.SetNetworkAvailable(true)
	alice.SetNetworkAvailable(true)
	time.Sleep(100 * time.Millisecond)

	sent, err := alice.SendMessage(context.Background(), bobContact.ID, "hello bob")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if sent.Status != messaging.StatusSent {
		t.Errorf("Status = %s while online, want sent", sent.Status)
	}

	select {
	case msg := <-received:
		if msg.Plaintext != "hello bob" {
			t.Errorf("Plaintext = %q, want hello bob", msg.Plaintext)
		}
		if msg.ContactID != aliceContact.ID {
			t.Errorf("ContactID = %s, want %s", msg.ContactID, aliceContact.ID)
		}
		if msg.Direction != messaging.DirectionReceived {
			t.Errorf("Direction = %s, want received", msg.Direction)
		}
		if msg.Status != messaging.StatusDelivered {
			t.Errorf("Status = %s, want delivered", msg.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Bob never received the message")
	}

	// The envelope was acknowledged and removed from the relay.
	waitFor(t, 2*time.Second, func() bool {
		return store.Stats().TotalEnvelopes == 0
	}, "Envelope never acknowledged")

	if len(modeChanges) != 1 || modeChanges[0] != connectivity.ModeOnline {
		t.Errorf("Mode changes = %v, want [online]", modeChanges)
	}

	// Receipts move the sender's copy up the ladder, never down.
	if err := alice.MarkDelivered(sent.ID); err != nil {
		t.Fatalf("MarkDelivered() error: %v", err)
	}
	if err := alice.MarkRead(sent.ID); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if err := alice.MarkDelivered(sent.ID); err == nil {
		t.Error("MarkDelivered() after read succeeded, want regression error")
	}
}

func TestBadSignatureDiscardedWithoutAck(t *testing.T) {
	ts, store := newTestRelay(t)

	alice := newTestSession(t, ts.URL, "alice")
	bob := newTestSession(t, "", "bob")
	bobContact, err := alice.AddContact(bob.ExportExchange())
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	// Valid ciphertext from Bob, but a signature that verifies against
	// nothing.
	alicePub, err := crypto.ImportPublicKey(alice.Identity().PublicEncryptionKey(), crypto.KeyAgreement)
	if err != nil {
		t.Fatalf("ImportPublicKey() error: %v", err)
	}
	ciphertext, nonce, err := crypto.Encrypt([]byte("forged"), bob.Identity().EncryptionKeys.Private, alicePub)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	forged := make([]byte, 64)
	if _, err := store.Submit(bob.Identity().PublicEncryptionKey(), alice.Identity().PublicEncryptionKey(),
		ciphertext, nonce[:], forged); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	received := make(chan messaging.Message, 1)
	alice.OnMessageReceived(func(m messaging.Message) { received <- m })

	alice.SetNetworkAvailable(true)

	select {
	case <-received:
		t.Fatal("Message with a bad signature was accepted")
	case <-time.After(500 * time.Millisecond):
	}

	if store.Stats().TotalEnvelopes != 1 {
		t.Error("Bad envelope was acknowledged; it must be left to expire")
	}
	msgs, err := alice.Messages(bobContact.ID)
	if err != nil {
		t.Fatalf("Messages() error: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Stored %d messages from a bad envelope, want 0", len(msgs))
	}
}

func TestUnknownSenderDroppedWithoutAck(t *testing.T) {
	ts, store := newTestRelay(t)

	alice := newTestSession(t, ts.URL, "alice")
	stranger := newTestSession(t, "", "stranger")

	alicePub, err := crypto.ImportPublicKey(alice.Identity().PublicEncryptionKey(), crypto.KeyAgreement)
	if err != nil {
		t.Fatalf("ImportPublicKey() error: %v", err)
	}
	ciphertext, nonce, err := crypto.Encrypt([]byte("psst"), stranger.Identity().EncryptionKeys.Private, alicePub)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	signature, err := crypto.Sign(ciphertext, stranger.Identity().SigningKeys.Private)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := store.Submit(stranger.Identity().PublicEncryptionKey(), alice.Identity().PublicEncryptionKey(),
		ciphertext, nonce[:], signature[:]); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	received := make(chan messaging.Message, 1)
	alice.OnMessageReceived(func(m messaging.Message) { received <- m })

	alice.SetNetworkAvailable(true)

	select {
	case <-received:
		t.Fatal("Message from unknown sender was accepted under the drop policy")
	case <-time.After(500 * time.Millisecond):
	}

	if store.Stats().TotalEnvelopes != 1 {
		t.Error("Unknown-sender envelope was acknowledged")
	}
	contacts, _ := alice.Contacts()
	if len(contacts) != 0 {
		t.Errorf("Drop policy created %d contacts, want 0", len(contacts))
	}
}

func TestDirectDeliveryOverLocalTransport(t *testing.T) {
	// Identities must exist before the transports are attached, so both
	// sessions get created once without a transport and reopened.
	aliceDir, bobDir := t.TempDir(), t.TempDir()

	bootstrap := func(dir, name string) (ContactExchange, string) {
		options := NewOptions()
		options.DataDir = dir
		options.DisplayName = name
		s, err := New(options)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		exchange := s.ExportExchange()
		key := s.Identity().PublicEncryptionKey()
		s.Close()
		return exchange, key
	}
	aliceExchange, aliceKey := bootstrap(aliceDir, "alice")
	bobExchange, bobKey := bootstrap(bobDir, "bob")

	network := transport.NewSimulatedNetwork()
	aliceTransport := network.Attach("alice", aliceKey)
	bobTransport := network.Attach("bob", bobKey)

	open := func(dir, name string, tr transport.LocalTransport) *Session {
		options := NewOptions()
		options.DataDir = dir
		options.DisplayName = name
		options.LocalTransport = tr
		s, err := New(options)
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	alice := open(aliceDir, "alice", aliceTransport)
	bob := open(bobDir, "bob", bobTransport)

	bobContact, err := alice.AddContact(bobExchange)
	if err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}
	if _, err := bob.AddContact(aliceExchange); err != nil {
		t.Fatalf("AddContact() error: %v", err)
	}

	received := make(chan messaging.Message, 1)
	bob.OnMessageReceived(func(m messaging.Message) { received <- m })

	if err := alice.StartLocalDiscovery(); err != nil {
		t.Fatalf("StartLocalDiscovery() error: %v", err)
	}
	if alice.Mode() != connectivity.ModeP2P {
		t.Errorf("Mode = %s while discovering, want p2p", alice.Mode())
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(alice.ConnectedPeers()) == 1
	}, "Peer channel never established")

	msg, err := alice.SendMessage(context.Background(), bobContact.ID, "hi over the air")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.Status != messaging.StatusSent || msg.DeliveryMethod != messaging.DeliveryP2P {
		t.Errorf("Message status=%s method=%s, want sent over p2p", msg.Status, msg.DeliveryMethod)
	}

	select {
	case got := <-received:
		if got.Plaintext != "hi over the air" {
			t.Errorf("Plaintext = %q, want hi over the air", got.Plaintext)
		}
		if got.DeliveryMethod != messaging.DeliveryP2P {
			t.Errorf("DeliveryMethod = %s, want p2p", got.DeliveryMethod)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Bob never received the direct message")
	}
}
