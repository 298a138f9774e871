package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, url string) *Client {
	c, err := NewClient(
		&Options{
			BaseURL:    url,
			Token:      func() string { return "tok" },
			Timeout:    2 * time.Second,
			MaxRetries: 2,
			RetryDelay: time.Millisecond,
			LogPrefix:  t.Name(),
		},
	)
	require.NoError(t, err)
	return c
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, OutcomeSuccess},
		{204, OutcomeSuccess},
		{301, OutcomeRedirect},
		{304, OutcomeRedirect},
		{400, OutcomeClientError},
		{404, OutcomeClientError},
		{500, OutcomeServerError},
		{503, OutcomeServerError},
		{0, OutcomeNetworkFailure},
		{99, OutcomeNetworkFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, OutcomeOf(tt.status), "status=%d", tt.status)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	result := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil)
	assert.True(t, result.OK())
	assert.Equal(t, []byte("ok"), result.Body)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil)
	assert.Equal(t, OutcomeServerError, result.Outcome)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	result := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil)
	assert.Equal(t, OutcomeClientError, result.Outcome)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDoReportsRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	result := newTestClient(t, srv.URL).Do(context.Background(), http.MethodGet, "/x", nil)
	assert.Equal(t, OutcomeRedirect, result.Outcome)
	assert.Equal(t, http.StatusFound, result.StatusCode)
}

func TestDoNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	result := newTestClient(t, url).Do(context.Background(), http.MethodGet, "/x", nil)
	assert.Equal(t, OutcomeNetworkFailure, result.Outcome)
	assert.Error(t, result.Err)
	assert.True(t, result.Transient())
}

func TestServiceEndpoints(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/config/hash", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"hash":"ABCDEF"}`))
	})
	mux.HandleFunc("/api/v1/sync/config", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Write([]byte(`{"configured_lists":[]}`))
	})
	mux.HandleFunc("/api/v1/sync/lists", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req listsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"/ads/domains", "/social/triggers"}, req.Paths)
		w.Write([]byte("PK-bundle"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	hash, ok := c.VerifyHash(ctx, "config")
	assert.True(t, ok)
	assert.Equal(t, "abcdef", hash)

	_, ok = c.VerifyHash(ctx, "missing")
	assert.False(t, ok)

	cfg, ok := c.FetchConfig(ctx)
	assert.True(t, ok)
	assert.JSONEq(t, `{"configured_lists":[]}`, string(cfg))

	bundle, ok := c.FetchLists(ctx, []string{"/ads/domains", "/social/triggers"})
	assert.True(t, ok)
	assert.Equal(t, []byte("PK-bundle"), bundle)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(&Options{BaseURL: "not a url"})
	assert.Error(t, err)
}
