// Package fetch performs the HTTP GET for one feed tick: auth injection,
// per-attempt timeout, response classification and deterministic backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	archiver_io "github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/io"
)

// NonRetryableError is an HTTP status that indicates a configuration or
// upstream-contract problem. Retrying cannot help: the auth is wrong, the
// URL moved, or the feed is gone.
type NonRetryableError struct {
	StatusCode int
	FeedID     string
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("HTTP %d: non-retryable error for feed %s", e.StatusCode, e.FeedID)
}

// HTTPError is any other non-2xx response. These are retried.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

var nonRetryableStatusCodes = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
	http.StatusNotFound:     true,
	http.StatusGone:         true,
}

// Outcome is a successful fetch: the payload plus the request metadata the
// sidecar records.
type Outcome struct {
	Body          []byte
	StatusCode    int
	Headers       http.Header
	FetchStart    time.Time
	Duration      time.Duration
	ContentLength int
}

// ContentType returns the response content-type header if present.
func (o *Outcome) ContentType() string {
	return o.Headers.Get("Content-Type")
}

// Fetcher issues feed requests over a shared pooled client. Redirects are
// followed.
type Fetcher struct {
	client *http.Client
}

// NewFetcher sizes the connection pool to the archiver's global concurrency
// ceiling.
func NewFetcher(maxConcurrent int) *Fetcher {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxConcurrent
	// a host rarely serves more than the three feed types
	transport.MaxIdleConnsPerHost = 4

	return &Fetcher{
		client: &http.Client{Transport: transport},
	}
}

// Fetch performs one attempt: rebuild the URL with auth applied, GET with
// the spec's timeout, classify the result. It never logs or counts; callers
// own observability.
func (f *Fetcher) Fetch(ctx context.Context, spec *catalog.FeedSpec) (*Outcome, error) {
	start := time.Now().UTC()

	ctx, cancel := context.WithTimeout(ctx, spec.Timeout())
	defer cancel()

	req, err := buildRequest(ctx, spec)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if nonRetryableStatusCodes[resp.StatusCode] {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &NonRetryableError{StatusCode: resp.StatusCode, FeedID: spec.ID}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	body, err := archiver_io.ReadAllWithEstimate(resp.Body, resp.ContentLength)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Body:          body,
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		FetchStart:    start,
		Duration:      time.Since(start),
		ContentLength: len(body),
	}, nil
}

// FetchWithRetry wraps Fetch in the spec's retry policy. Retryable errors
// wait Backoff between attempts; a NonRetryableError or context cancellation
// propagates immediately.
func (f *Fetcher) FetchWithRetry(ctx context.Context, spec *catalog.FeedSpec) (*Outcome, error) {
	var lastErr error
	for attempt := 1; attempt <= spec.Retry.MaxAttempts; attempt++ {
		outcome, err := f.Fetch(ctx, spec)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		var nonRetryable *NonRetryableError
		if errors.As(err, &nonRetryable) {
			return nil, err
		}
		if attempt == spec.Retry.MaxAttempts {
			break
		}

		select {
		case <-time.After(Backoff(spec.Retry, attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Backoff returns the wait after failed attempt k (1-based):
// min(base·2^(k-1), max) seconds. Deterministic, no jitter.
func Backoff(retry catalog.RetryConfig, attempt int) time.Duration {
	secs := retry.BackoffBase * math.Pow(2, float64(attempt-1))
	if secs > retry.BackoffMax {
		secs = retry.BackoffMax
	}
	return time.Duration(secs * float64(time.Second))
}

// ErrorType buckets a fetch error for the error_type metric label.
func ErrorType(err error) string {
	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return fmt.Sprintf("http_%d", nonRetryable.StatusCode)
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("http_%d", httpErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "transport"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "transport"
	}
	return "unknown"
}

// buildRequest rebuilds the request URL with the credential applied. Query
// credentials merge into the configured URL's parameters without disturbing
// them; header credentials become a request header.
func buildRequest(ctx context.Context, spec *catalog.FeedSpec) (*http.Request, error) {
	auth := spec.Auth
	hasAuth := auth != nil && auth.ResolvedValue != ""

	target := spec.URL
	if hasAuth && auth.Type == catalog.AuthQuery {
		parsed, err := url.Parse(spec.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing feed url: %w", err)
		}
		query := parsed.Query()
		query.Set(auth.Key, auth.ResolvedValue)
		parsed.RawQuery = query.Encode()
		target = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	if hasAuth && auth.Type == catalog.AuthHeader {
		req.Header.Set(auth.Key, auth.ResolvedValue)
	}
	return req, nil
}
