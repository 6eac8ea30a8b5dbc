package archiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/archivedb/backend/local"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	return cfg
}

func testSpec(url string) catalog.FeedSpec {
	return catalog.FeedSpec{
		ID:              "septa-vehicle-positions",
		Name:            "SEPTA Vehicle Positions",
		URL:             url,
		FeedType:        catalog.VehiclePositions,
		AgencyID:        "septa",
		AgencyName:      "SEPTA",
		IntervalSeconds: 20,
		TimeoutSeconds:  5,
		Retry: catalog.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 0.01,
			BackoffMax:  0.05,
		},
	}
}

func newTestArchiver(t *testing.T, cfg Config, feeds []catalog.FeedSpec) (*Archiver, backend.RawReader) {
	t.Helper()

	r, w, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)

	a, err := New(cfg, feeds, fetch.NewFetcher(cfg.MaxConcurrent), archivedb.NewWriter(w, true), log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	return a, r
}

func archivedKeys(t *testing.T, r backend.RawReader, feedType catalog.FeedType) []string {
	t.Helper()

	var keys []string
	err := r.Find(context.Background(), backend.KeyPath{string(feedType)}, func(m backend.FindMatch) {
		keys = append(keys, m.Key)
	})
	require.NoError(t, err)
	return keys
}

func TestRunOnceArchivesPayloadAndSidecar(t *testing.T) {
	payload := []byte("\x0a\x0d\x0a\x033.0\x10\x00")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-protobuf")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	a, r := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	a.RunOnce(context.Background(), &spec)

	keys := archivedKeys(t, r, catalog.VehiclePositions)
	require.Len(t, keys, 2, "expected payload plus sidecar, got %v", keys)

	var payloadKey, metaKey string
	for _, key := range keys {
		switch {
		case strings.HasSuffix(key, archivedb.PayloadSuffix):
			payloadKey = key
		case strings.HasSuffix(key, archivedb.MetaSuffix):
			metaKey = key
		}
	}
	require.NotEmpty(t, payloadKey)
	require.NotEmpty(t, metaKey)
	assert.Equal(t, strings.TrimSuffix(payloadKey, archivedb.PayloadSuffix), strings.TrimSuffix(metaKey, archivedb.MetaSuffix))

	parsed, err := archivedb.ParseObjectKey(payloadKey)
	require.NoError(t, err)
	assert.Equal(t, catalog.VehiclePositions, parsed.FeedType)
	assert.Equal(t, server.URL, parsed.FeedURL)

	labels := []string{spec.ID, "vehicle_positions", "septa"}
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchTotal.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchSuccess.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.uploadTotal.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.uploadSuccess.WithLabelValues(labels...)))
	assert.Equal(t, float64(len(payload)), testutil.ToFloat64(a.metrics.processedBytes.WithLabelValues(labels...)))
	assert.NotZero(t, testutil.ToFloat64(a.metrics.lastFetch.WithLabelValues(spec.ID)))
}

func TestRunOnceNonRetryableStatus(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	a, r := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	a.RunOnce(context.Background(), &spec)

	assert.Equal(t, int32(1), requests.Load(), "non-retryable status must not be retried")
	assert.Empty(t, archivedKeys(t, r, catalog.VehiclePositions))

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchErrors.WithLabelValues(spec.ID, "vehicle_positions", "septa", "http_404")))
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.uploadTotal), "no upload may start without a payload")
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.fetchSuccess))

	// the attempt still stamps the freshness gauge so silence is visible
	assert.NotZero(t, testutil.ToFloat64(a.metrics.lastFetch.WithLabelValues(spec.ID)))
}

func TestRunOnceRecoversAfterTransientErrors(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	a, r := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	a.RunOnce(context.Background(), &spec)

	assert.Equal(t, int32(3), requests.Load())
	labels := []string{spec.ID, "vehicle_positions", "septa"}
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchSuccess.WithLabelValues(labels...)))
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.fetchErrors), "a recovered fetch is not an error")

	keys := archivedKeys(t, r, catalog.VehiclePositions)
	assert.Len(t, keys, 2)
}

func TestRunOnceTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	spec := testSpec(url)
	a, _ := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	a.RunOnce(context.Background(), &spec)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchErrors.WithLabelValues(spec.ID, "vehicle_positions", "septa", "transport")))
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.uploadTotal))
}

type flakyWriter struct {
	inner    FeedWriter
	failures atomic.Int32
}

func (w *flakyWriter) Write(ctx context.Context, spec *catalog.FeedSpec, outcome *fetch.Outcome) (string, error) {
	if w.failures.Add(-1) >= 0 {
		return "", errors.New("backend unavailable")
	}
	return w.inner.Write(ctx, spec, outcome)
}

func TestUploadRetriesTransientBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	r, w, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)

	spec := testSpec(server.URL)
	writer := &flakyWriter{inner: archivedb.NewWriter(w, true)}
	writer.failures.Store(1)

	a, err := New(testConfig(), []catalog.FeedSpec{spec}, fetch.NewFetcher(1), writer, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	a.RunOnce(context.Background(), &spec)

	labels := []string{spec.ID, "vehicle_positions", "septa"}
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.uploadSuccess.WithLabelValues(labels...)))
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.uploadErrors), "a recovered upload is not an error")
	assert.Len(t, archivedKeys(t, r, catalog.VehiclePositions), 2)
}

type downWriter struct {
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (w *downWriter) Write(context.Context, *catalog.FeedSpec, *fetch.Outcome) (string, error) {
	w.calls.Add(1)
	// cancel instead of sitting out the backoff
	w.cancel()
	return "", errors.New("backend unavailable")
}

func TestUploadFailureCountsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	spec := testSpec(server.URL)
	writer := &downWriter{cancel: cancel}

	a, err := New(testConfig(), []catalog.FeedSpec{spec}, fetch.NewFetcher(1), writer, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	a.RunOnce(ctx, &spec)

	assert.Equal(t, int32(1), writer.calls.Load())
	labels := []string{spec.ID, "vehicle_positions", "septa"}
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.fetchSuccess.WithLabelValues(labels...)))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.uploadErrors.WithLabelValues(spec.ID, "vehicle_positions", "septa", "unknown")))
	assert.Equal(t, 0, testutil.CollectAndCount(a.metrics.uploadSuccess))

	for _, status := range a.FeedStatuses() {
		assert.Nil(t, status.LastSuccessSecondsAgo, "a failed upload is not a success")
	}
}

func TestShardingPartitionsCatalog(t *testing.T) {
	var feeds []catalog.FeedSpec
	for i := 0; i < 20; i++ {
		spec := testSpec("https://example.com/feed")
		spec.ID = fmt.Sprintf("agency-%d-vehicle-positions", i)
		feeds = append(feeds, spec)
	}

	const totalShards = 3
	owned := map[string]int{}
	for shard := 0; shard < totalShards; shard++ {
		cfg := testConfig()
		cfg.ShardIndex = shard
		cfg.TotalShards = totalShards

		a, err := New(cfg, feeds, fetch.NewFetcher(1), nil, log.NewNopLogger(), prometheus.NewRegistry())
		require.NoError(t, err)

		assert.Equal(t, float64(len(a.feeds)), testutil.ToFloat64(a.metrics.activeFeeds))
		for _, spec := range a.feeds {
			owned[spec.ID]++
			assert.Equal(t, shard, catalog.Shard(spec.ID, totalShards))
		}
	}

	require.Len(t, owned, len(feeds), "every feed must be owned by some shard")
	for id, count := range owned {
		assert.Equal(t, 1, count, "feed %s owned by %d shards", id, count)
	}
}

func TestConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxConcurrent = 2

	var feeds []catalog.FeedSpec
	for i := 0; i < 6; i++ {
		spec := testSpec(server.URL)
		spec.ID = fmt.Sprintf("agency-%d-vehicle-positions", i)
		feeds = append(feeds, spec)
	}
	a, _ := newTestArchiver(t, cfg, feeds)

	var wg sync.WaitGroup
	for i := range feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.RunOnce(context.Background(), &feeds[i])
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestServiceLifecycleDrainsInFlightWork(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() { close(started) })
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	spec.IntervalSeconds = 1 // startup offset collapses to zero
	a, r := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, a))

	running, jobs := a.SchedulerStatus()
	assert.True(t, running)
	assert.Equal(t, 1, jobs)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first tick never fired")
	}

	// stop while the fetch is mid-flight; drain must let it finish
	require.NoError(t, services.StopAndAwaitTerminated(ctx, a))

	running, _ = a.SchedulerStatus()
	assert.False(t, running)
	assert.Equal(t, 0.0, testutil.ToFloat64(a.metrics.schedulerJobs))

	keys := archivedKeys(t, r, catalog.VehiclePositions)
	require.NotEmpty(t, keys, "in-flight tick was dropped at shutdown")

	// payloads and sidecars land in pairs, even across a shutdown
	var payloads, metas int
	for _, key := range keys {
		switch {
		case strings.HasSuffix(key, archivedb.PayloadSuffix):
			payloads++
		case strings.HasSuffix(key, archivedb.MetaSuffix):
			metas++
		}
	}
	assert.Equal(t, payloads, metas)

	statuses := a.FeedStatuses()
	require.Len(t, statuses, 1)
	require.NotNil(t, statuses[0].LastSuccessSecondsAgo)
	assert.GreaterOrEqual(t, *statuses[0].LastSuccessSecondsAgo, 0.0)
}

func TestSlowFeedCoalescesTicks(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		time.Sleep(1500 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	spec := testSpec(server.URL)
	spec.IntervalSeconds = 1
	spec.TimeoutSeconds = 5

	cfg := testConfig()
	cfg.MisfireGrace = 200 * time.Millisecond
	a, _ := newTestArchiver(t, cfg, []catalog.FeedSpec{spec})

	ctx := context.Background()
	require.NoError(t, services.StartAndAwaitRunning(ctx, a))
	time.Sleep(3200 * time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(ctx, a))

	// each 1.5s fetch spans an entire 1s interval, so every other tick is
	// received stale and dropped; a queueing scheduler would have run all of
	// them
	got := requests.Load()
	assert.GreaterOrEqual(t, got, int32(1))
	assert.LessOrEqual(t, got, int32(2), "stale ticks must be dropped, not queued")
}

func TestFeedStatusesBeforeFirstSuccess(t *testing.T) {
	spec := testSpec("https://example.com/feed")
	a, _ := newTestArchiver(t, testConfig(), []catalog.FeedSpec{spec})

	statuses := a.FeedStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, spec.ID, statuses[0].FeedID)
	assert.Equal(t, "septa", statuses[0].AgencyID)
	assert.Equal(t, "vehicle_positions", statuses[0].FeedType)
	assert.Equal(t, 20, statuses[0].IntervalSeconds)
	assert.Nil(t, statuses[0].LastSuccessSecondsAgo)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero concurrency", func(c *Config) { c.MaxConcurrent = 0 }, "max_concurrent"},
		{"excessive concurrency", func(c *Config) { c.MaxConcurrent = 501 }, "max_concurrent"},
		{"zero shards", func(c *Config) { c.TotalShards = 0 }, "total_shards"},
		{"shard index out of range", func(c *Config) { c.ShardIndex = 2; c.TotalShards = 2 }, "shard_index"},
		{"negative shard index", func(c *Config) { c.ShardIndex = -1 }, "shard_index"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
