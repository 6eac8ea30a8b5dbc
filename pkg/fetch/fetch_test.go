package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

func testSpec(url string) *catalog.FeedSpec {
	return &catalog.FeedSpec{
		ID:              "septa-bus-vehicle-positions",
		URL:             url,
		FeedType:        catalog.VehiclePositions,
		TimeoutSeconds:  5,
		IntervalSeconds: 20,
		Retry: catalog.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 0.01,
			BackoffMax:  0.05,
		},
	}
}

func TestFetchSuccess(t *testing.T) {
	payload := []byte("\x0a\x0d\x0a\x033.0\x10\x00")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.Header().Set("ETag", `"abc123"`)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	f := NewFetcher(10)
	outcome, err := f.Fetch(context.Background(), testSpec(server.URL))
	require.NoError(t, err)

	assert.Equal(t, payload, outcome.Body)
	assert.Equal(t, http.StatusOK, outcome.StatusCode)
	assert.Equal(t, len(payload), outcome.ContentLength)
	assert.Equal(t, "application/x-protobuf", outcome.ContentType())
	assert.Equal(t, `"abc123"`, outcome.Headers.Get("ETag"))
	assert.False(t, outcome.FetchStart.IsZero())
	assert.Greater(t, outcome.Duration, time.Duration(0))
}

func TestFetchAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	spec.Auth = &catalog.AuthConfig{
		Type:          catalog.AuthHeader,
		Key:           "X-API-Key",
		SecretName:    "septa_key",
		ResolvedValue: "s3cret",
	}

	f := NewFetcher(10)
	outcome, err := f.Fetch(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), outcome.Body)
}

func TestFetchAuthQueryMergesParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("format") != "pb" || q.Get("api_key") != "s3cret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	spec := testSpec(server.URL + "/feed?format=pb")
	spec.Auth = &catalog.AuthConfig{
		Type:          catalog.AuthQuery,
		Key:           "api_key",
		SecretName:    "septa_key",
		ResolvedValue: "s3cret",
	}

	f := NewFetcher(10)
	_, err := f.Fetch(context.Background(), spec)
	require.NoError(t, err)

	// the configured URL must stay clean: object keys derive from it
	assert.Equal(t, server.URL+"/feed?format=pb", spec.URL)
}

func TestFetchNonRetryableGoesOnce(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcher(10)
	_, err := f.FetchWithRetry(context.Background(), testSpec(server.URL))
	require.Error(t, err)

	var nonRetryable *NonRetryableError
	require.ErrorAs(t, err, &nonRetryable)
	assert.Equal(t, http.StatusNotFound, nonRetryable.StatusCode)
	assert.Equal(t, "http_404", ErrorType(err))
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchWithRetryEventuallySucceeds(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := NewFetcher(10)
	outcome, err := f.FetchWithRetry(context.Background(), testSpec(server.URL))
	require.NoError(t, err)

	assert.Equal(t, []byte("ok"), outcome.Body)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchWithRetryExhausts(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := NewFetcher(10)
	_, err := f.FetchWithRetry(context.Background(), testSpec(server.URL))
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, "http_502", ErrorType(err))
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	spec.TimeoutSeconds = 1

	f := NewFetcher(10)
	_, err := f.Fetch(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, "timeout", ErrorType(err))
}

func TestErrorTypeTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	f := NewFetcher(10)
	_, err := f.Fetch(context.Background(), testSpec(url))
	require.Error(t, err)
	assert.Equal(t, "transport", ErrorType(err))
}

func TestErrorTypeUnknown(t *testing.T) {
	assert.Equal(t, "unknown", ErrorType(errors.New("something else")))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry    catalog.RetryConfig
		attempt  int
		expected time.Duration
	}{
		{catalog.RetryConfig{BackoffBase: 0.1, BackoffMax: 1.0}, 1, 100 * time.Millisecond},
		{catalog.RetryConfig{BackoffBase: 0.1, BackoffMax: 1.0}, 2, 200 * time.Millisecond},
		{catalog.RetryConfig{BackoffBase: 0.1, BackoffMax: 1.0}, 3, 400 * time.Millisecond},
		{catalog.RetryConfig{BackoffBase: 0.1, BackoffMax: 1.0}, 5, time.Second},
		{catalog.RetryConfig{BackoffBase: 1.0, BackoffMax: 10.0}, 1, time.Second},
		{catalog.RetryConfig{BackoffBase: 1.0, BackoffMax: 10.0}, 4, 8 * time.Second},
		{catalog.RetryConfig{BackoffBase: 1.0, BackoffMax: 10.0}, 5, 10 * time.Second},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, Backoff(tc.retry, tc.attempt), "attempt %d with base %v", tc.attempt, tc.retry.BackoffBase)
	}
}
