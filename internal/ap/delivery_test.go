package ap

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 6; attempts++ {
		d := backoff(attempts)
		assert.GreaterOrEqual(t, d, backoffBase, "attempt %d", attempts)
		assert.Greater(t, d, prev, "attempt %d", attempts)
		prev = d
	}

	// Large attempt counts cap at a day (plus jitter).
	assert.LessOrEqual(t, backoff(40), backoffMax+backoffMax/10)
}

func TestStatusErrorPermanent(t *testing.T) {
	assert.True(t, (&StatusError{Status: http.StatusNotFound}).Permanent())
	assert.True(t, (&StatusError{Status: http.StatusForbidden}).Permanent())
	assert.False(t, (&StatusError{Status: http.StatusRequestTimeout}).Permanent())
	assert.False(t, (&StatusError{Status: http.StatusTooManyRequests}).Permanent())
	assert.False(t, (&StatusError{Status: http.StatusInternalServerError}).Permanent())
	assert.False(t, (&StatusError{Status: 0}).Permanent())
}

// TestDeliverAndVerifyRoundTrip signs a delivery with a fresh actor key and
// has the receiving handler verify it the way a peer inbox would, including
// the key dereference back to the sender.
func TestDeliverAndVerifyRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		sender    string
		verifyErr error
		received  []byte
	)

	var peer *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/key/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":           peer.URL + "/key/1",
			"type":         "Key",
			"owner":        peer.URL + "/person/1",
			"publicKeyPem": keys.PublicPEM,
		})
	})
	mux.HandleFunc("/inbox", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		received = body
		sender, verifyErr = VerifySignature(r, body)
		w.WriteHeader(http.StatusAccepted)
	})
	peer = httptest.NewServer(mux)
	defer peer.Close()

	body := []byte(`{"id":"https://test.example/create/x","type":"Create"}`)
	require.NoError(t, DeliverActivity(context.Background(), peer.URL+"/inbox", body, peer.URL+"/key/1", keys.Private))

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, verifyErr)
	assert.Equal(t, peer.URL+"/person/1", sender)
	assert.Equal(t, body, received)
}

// A body swapped after signing must fail digest verification on the peer.
func TestVerifyRejectsTamperedBody(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		verifyErr error
	)

	var peer *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/key/2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":           peer.URL + "/key/2",
			"owner":        peer.URL + "/person/2",
			"publicKeyPem": keys.PublicPEM,
		})
	})
	mux.HandleFunc("/inbox", func(w http.ResponseWriter, r *http.Request) {
		io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		_, verifyErr = VerifySignature(r, []byte(`{"type":"Delete"}`))
		w.WriteHeader(http.StatusAccepted)
	})
	peer = httptest.NewServer(mux)
	defer peer.Close()

	body := []byte(`{"type":"Create"}`)
	require.NoError(t, DeliverActivity(context.Background(), peer.URL+"/inbox", body, peer.URL+"/key/2", keys.Private))

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, verifyErr)
}

func TestVerifyDigest(t *testing.T) {
	body := []byte(`{"type":"Create"}`)
	// SHA-256 of the body, base64-encoded.
	assert.Error(t, verifyDigest("", body))
	assert.Error(t, verifyDigest("MD5=abc", body))
	assert.Error(t, verifyDigest("SHA-256=bogus", body))
}

func TestVerifyDate(t *testing.T) {
	assert.Error(t, verifyDate(""))
	assert.Error(t, verifyDate("not a date"))
	assert.Error(t, verifyDate(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
	assert.NoError(t, verifyDate(time.Now().UTC().Format(http.TimeFormat)))
}
