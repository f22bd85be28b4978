package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait is the deadline for writing a notice to a subscriber.
	writeWait = 10 * time.Second
	// noticeBuffer is the per-subscriber notice backlog before drops.
	noticeBuffer = 16
)

// subscriber is one websocket connection filtered by recipient key.
type subscriber struct {
	recipientPK string
	conn        *websocket.Conn
	send        chan EnvelopeNotice
}

// Hub fans envelope-insertion notices out to subscribers, filtered by
// recipient public key. Delivery is at-least-once at best; a full or
// slow subscriber just misses the hint and relies on its next fetch.
type Hub struct {
	register    chan *subscriber
	unregister  chan *subscriber
	notices     chan EnvelopeNotice
	subscribers map[string]map[*subscriber]bool // recipient PK -> connections

	stop     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub; call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		notices:     make(chan EnvelopeNotice, 64),
		subscribers: make(map[string]map[*subscriber]bool),
		stop:        make(chan struct{}),
	}
}

// Notify queues an insertion notice for fan-out. Safe to call from the
// store's insert path; drops when the hub backlog is full.
func (h *Hub) Notify(notice EnvelopeNotice) {
	select {
	case h.notices <- notice:
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "Notify",
			"recipient": notice.RecipientPublicKey,
		}).Warn("Notification backlog full, dropping hint")
	}
}

// Run processes registration and fan-out until Close.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			conns := h.subscribers[sub.recipientPK]
			if conns == nil {
				conns = make(map[*subscriber]bool)
				h.subscribers[sub.recipientPK] = conns
			}
			conns[sub] = true

		case sub := <-h.unregister:
			if conns, ok := h.subscribers[sub.recipientPK]; ok {
				if conns[sub] {
					delete(conns, sub)
					close(sub.send)
				}
				if len(conns) == 0 {
					delete(h.subscribers, sub.recipientPK)
				}
			}

		case notice := <-h.notices:
			for sub := range h.subscribers[notice.RecipientPublicKey] {
				select {
				case sub.send <- notice:
				default:
					// Slow subscriber; the hint is only a hint.
				}
			}

		case <-h.stop:
			for _, conns := range h.subscribers {
				for sub := range conns {
					close(sub.send)
				}
			}
			return
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// serve pumps notices to one websocket until it fails or the hub
// closes the channel.
func (h *Hub) serve(sub *subscriber) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.stop:
		}
		sub.conn.Close()
	}()

	// Discard inbound frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := sub.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for notice := range sub.send {
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sub.conn.WriteJSON(notice); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serve",
				"error":    err.Error(),
			}).Debug("Subscriber write failed")
			return
		}
	}
}
