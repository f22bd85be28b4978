package relay

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	store := NewEnvelopeStore()
	hub := NewHub()
	go hub.Run()
	srv := NewServer(store, hub)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
	})
	return ts
}

func TestClientRoundTrip(t *testing.T) {
	ts := newTestRelay(t)
	client := NewClient(ts.URL)
	ctx := context.Background()

	ciphertext := []byte("opaque ciphertext")
	iv := []byte("iv0123456789")
	sig := []byte("signature")

	id, err := client.Submit(ctx, "pk-alice", "pk-bob", ciphertext, iv, sig)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	envelopes, err := client.Fetch(ctx, "pk-bob")
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	env := envelopes[0]
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "pk-alice", env.SenderPublicKey)
	assert.Equal(t, "pk-bob", env.RecipientPublicKey)
	assert.True(t, bytes.Equal(env.Ciphertext, ciphertext), "ciphertext altered in transit")
	assert.True(t, bytes.Equal(env.IV, iv), "iv altered in transit")
	assert.True(t, bytes.Equal(env.Signature, sig), "signature altered in transit")

	require.NoError(t, client.Acknowledge(ctx, id))

	envelopes, err = client.Fetch(ctx, "pk-bob")
	require.NoError(t, err)
	assert.Empty(t, envelopes, "acknowledged envelope still pending")

	// Re-acknowledging a consumed envelope succeeds
	assert.NoError(t, client.Acknowledge(ctx, id))
}

func TestClientValidationErrors(t *testing.T) {
	ts := newTestRelay(t)
	client := NewClient(ts.URL)
	ctx := context.Background()

	cases := []struct {
		name string
		do   func() error
	}{
		{name: "Submit without recipient", do: func() error {
			_, err := client.Submit(ctx, "pk-alice", "", []byte("c"), []byte("iv"), nil)
			return err
		}},
		{name: "Submit without ciphertext", do: func() error {
			_, err := client.Submit(ctx, "pk-alice", "pk-bob", nil, []byte("iv"), nil)
			return err
		}},
		{name: "Fetch without recipient", do: func() error {
			_, err := client.Fetch(ctx, "")
			return err
		}},
		{name: "Acknowledge without id", do: func() error {
			return client.Acknowledge(ctx, "")
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.do()
			var relayErr *RelayError
			require.ErrorAs(t, err, &relayErr)
			assert.Equal(t, ReasonValidation, relayErr.Reason)
		})
	}
}

func TestUnknownActionRejected(t *testing.T) {
	ts := newTestRelay(t)

	resp, err := http.Post(ts.URL+"/relay", "application/json",
		bytes.NewReader([]byte(`{"action":"purge"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMalformedRequestRejected(t *testing.T) {
	ts := newTestRelay(t)

	resp, err := http.Post(ts.URL+"/relay", "application/json",
		bytes.NewReader([]byte(`{not json`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribePushesNotices(t *testing.T) {
	ts := newTestRelay(t)
	client := NewClient(ts.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notices, err := client.Subscribe(ctx, "pk-bob")
	require.NoError(t, err)

	// Give the hub time to register the subscriber before submitting.
	time.Sleep(50 * time.Millisecond)

	id, err := client.Submit(ctx, "pk-alice", "pk-bob", []byte("c"), []byte("iv"), nil)
	require.NoError(t, err)

	select {
	case notice := <-notices:
		assert.Equal(t, id, notice.EnvelopeID)
		assert.Equal(t, "pk-bob", notice.RecipientPublicKey)
	case <-time.After(2 * time.Second):
		t.Fatal("No notice received after submit")
	}
}

func TestSubscribeRequiresRecipient(t *testing.T) {
	ts := newTestRelay(t)
	client := NewClient(ts.URL)

	_, err := client.Subscribe(context.Background(), "")
	assert.Error(t, err)
}
