package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client talks to a relay over its single RPC endpoint. All methods
// are safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewClient creates a relay client for the given base URL
// (e.g. "http://relay.example.com:8700").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
	}
}

// call performs one RPC round trip and decodes the response into out.
func (c *Client) call(ctx context.Context, req rpcRequest, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return serverError("encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/relay", bytes.NewReader(body))
	if err != nil {
		return serverError("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return serverError("relay unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(data, &errBody)

		msg := errBody.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}

		if resp.StatusCode == http.StatusBadRequest {
			return validationError(msg)
		}
		return serverError(msg, nil)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return serverError("decode response", err)
	}
	return nil
}

// Submit stores a sealed envelope on the relay and returns the
// server-assigned envelope id. Empty required fields fail with a
// validation RelayError before any network traffic.
func (c *Client) Submit(ctx context.Context, senderPK, recipientPK string, ciphertext, iv, signature []byte) (string, error) {
	if senderPK == "" || recipientPK == "" || len(ciphertext) == 0 || len(iv) == 0 {
		return "", validationError("sender, recipient, encrypted content and iv are required")
	}

	var resp sendResponse
	err := c.call(ctx, rpcRequest{
		Action:             actionSend,
		SenderPublicKey:    senderPK,
		RecipientPublicKey: recipientPK,
		EncryptedContent:   ciphertext,
		IV:                 iv,
		Signature:          signature,
	}, &resp)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Submit",
		"envelope_id": resp.MessageID,
	}).Debug("Envelope submitted to relay")

	return resp.MessageID, nil
}

// Fetch returns all pending envelopes for a recipient, oldest first.
// The caller is responsible for acknowledging each envelope after
// applying it locally.
func (c *Client) Fetch(ctx context.Context, recipientPK string) ([]Envelope, error) {
	if recipientPK == "" {
		return nil, validationError("recipient public key is required")
	}

	var resp fetchResponse
	err := c.call(ctx, rpcRequest{
		Action:             actionFetch,
		RecipientPublicKey: recipientPK,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Messages, nil
}

// Acknowledge marks an envelope delivered. Idempotent: acknowledging
// an unknown or already-acknowledged envelope succeeds.
func (c *Client) Acknowledge(ctx context.Context, envelopeID string) error {
	if envelopeID == "" {
		return validationError("envelope id is required")
	}

	return c.call(ctx, rpcRequest{
		Action:    actionAcknowledge,
		MessageID: envelopeID,
	}, nil)
}

// Subscribe opens the push notification channel for a recipient key.
// Notices are delivery hints only, at-least-once at best; the data
// path stays Fetch/Acknowledge. The returned channel closes when the
// context is cancelled or the connection drops.
func (c *Client) Subscribe(ctx context.Context, recipientPK string) (<-chan EnvelopeNotice, error) {
	if recipientPK == "" {
		return nil, validationError("recipient public key is required")
	}

	wsURL, err := c.subscribeURL(recipientPK)
	if err != nil {
		return nil, serverError("build subscribe url", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, serverError("subscribe dial failed", err)
	}

	notices := make(chan EnvelopeNotice)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(notices)
		defer conn.Close()
		for {
			var notice EnvelopeNotice
			if err := conn.ReadJSON(&notice); err != nil {
				if ctx.Err() == nil {
					logrus.WithFields(logrus.Fields{
						"function": "Subscribe",
						"error":    err.Error(),
					}).Debug("Notification channel closed")
				}
				return
			}
			select {
			case notices <- notice:
			case <-ctx.Done():
				return
			}
		}
	}()

	return notices, nil
}

func (c *Client) subscribeURL(recipientPK string) (string, error) {
	u, err := url.Parse(c.baseURL + "/relay/subscribe")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("recipient", recipientPK)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
