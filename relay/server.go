package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Server exposes the envelope store over the relay RPC surface and the
// websocket notification channel.
type Server struct {
	store    *EnvelopeStore
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewServer wires a store and hub together: every stored envelope
// produces a hub notice for its recipient.
func NewServer(store *EnvelopeStore, hub *Hub) *Server {
	s := &Server{
		store: store,
		hub:   hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The relay authenticates nothing; clients only ever
			// receive hints about ciphertext addressed to a key.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	store.OnInsert(hub.Notify)
	return s
}

// Router builds the HTTP routing table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/relay", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/relay/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Error("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	var relayErr *RelayError
	if errors.As(err, &relayErr) && relayErr.Reason == ReasonValidation {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: relayErr.Msg})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// handleRPC multiplexes the three relay actions on one endpoint.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleRPC",
		"action":   req.Action,
	}).Debug("Relay RPC received")

	switch req.Action {
	case actionSend:
		id, err := s.store.Submit(req.SenderPublicKey, req.RecipientPublicKey,
			req.EncryptedContent, req.IV, req.Signature)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sendResponse{Success: true, MessageID: id})

	case actionFetch:
		envelopes, err := s.store.Pending(req.RecipientPublicKey)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fetchResponse{Messages: envelopes})

	case actionAcknowledge:
		if err := s.store.Acknowledge(req.MessageID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ackResponse{Success: true})

	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown action"})
	}
}

// handleSubscribe upgrades to a websocket filtered by recipient key.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	recipientPK := r.URL.Query().Get("recipient")
	if recipientPK == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recipient query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleSubscribe",
			"error":    err.Error(),
		}).Warn("Websocket upgrade failed")
		return
	}

	sub := &subscriber{
		recipientPK: recipientPK,
		conn:        conn,
		send:        make(chan EnvelopeNotice, noticeBuffer),
	}
	s.hub.register <- sub
	go s.hub.serve(sub)
}
