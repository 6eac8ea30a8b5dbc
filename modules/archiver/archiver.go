// Package archiver polls every owned realtime feed on its configured
// interval and archives each response to the backend. One goroutine per feed
// owns that feed's timer; a shared permit channel caps how many fetches run
// at once across the whole replica.
package archiver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

// Fetcher performs one feed fetch including the feed's retry policy.
type Fetcher interface {
	FetchWithRetry(ctx context.Context, spec *catalog.FeedSpec) (*fetch.Outcome, error)
}

// FeedWriter archives one fetch outcome and returns the payload's object key.
type FeedWriter interface {
	Write(ctx context.Context, spec *catalog.FeedSpec, outcome *fetch.Outcome) (string, error)
}

// Archiver is the polling service. It only schedules feeds owned by this
// replica's shard.
type Archiver struct {
	services.Service

	cfg    Config
	logger log.Logger

	fetcher Fetcher
	writer  FeedWriter
	feeds   []*catalog.FeedSpec

	metrics *archiverMetrics
	permits chan struct{}
	ticking atomic.Bool

	mtx         sync.Mutex
	lastSuccess map[string]time.Time
}

// New filters the catalog down to this shard's feeds and builds the service.
// The service does not touch the network until started.
func New(cfg Config, feeds []catalog.FeedSpec, fetcher Fetcher, writer FeedWriter, logger log.Logger, reg prometheus.Registerer) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	owned := make([]*catalog.FeedSpec, 0, len(feeds))
	for i := range feeds {
		if feeds[i].OwnedBy(cfg.ShardIndex, cfg.TotalShards) {
			owned = append(owned, &feeds[i])
		}
	}

	a := &Archiver{
		cfg:         cfg,
		logger:      logger,
		fetcher:     fetcher,
		writer:      writer,
		feeds:       owned,
		metrics:     newArchiverMetrics(reg),
		permits:     make(chan struct{}, cfg.MaxConcurrent),
		lastSuccess: make(map[string]time.Time, len(owned)),
	}
	a.metrics.activeFeeds.Set(float64(len(owned)))

	a.Service = services.NewBasicService(a.starting, a.running, a.stopping)
	return a, nil
}

func (a *Archiver) starting(_ context.Context) error {
	level.Info(a.logger).Log("msg", "starting archiver",
		"feeds", len(a.feeds),
		"shard", a.cfg.ShardIndex,
		"total_shards", a.cfg.TotalShards,
		"max_concurrent", a.cfg.MaxConcurrent)
	return nil
}

func (a *Archiver) running(ctx context.Context) error {
	// Ticks stop the moment shutdown begins; in-flight fetches and uploads
	// keep workCtx until the drain deadline so a response already in hand is
	// not dropped.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	tickCtx, cancelTicks := context.WithCancel(workCtx)
	defer cancelTicks()

	var wg sync.WaitGroup
	for _, spec := range a.feeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.feedLoop(tickCtx, workCtx, spec)
		}()
	}
	a.metrics.schedulerJobs.Set(float64(len(a.feeds)))
	a.ticking.Store(true)

	<-ctx.Done()
	a.ticking.Store(false)
	cancelTicks()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(a.cfg.DrainTimeout):
		level.Warn(a.logger).Log("msg", "drain deadline exceeded, abandoning in-flight work", "timeout", a.cfg.DrainTimeout)
	}
	a.metrics.schedulerJobs.Set(0)
	return nil
}

func (a *Archiver) stopping(_ error) error {
	level.Info(a.logger).Log("msg", "archiver stopped")
	return nil
}

// SchedulerStatus reports whether timers are active and how many feeds are
// scheduled, for the health endpoint.
func (a *Archiver) SchedulerStatus() (running bool, jobs int) {
	if !a.ticking.Load() {
		return false, 0
	}
	return true, len(a.feeds)
}

// FeedStatus is one feed's row in the health report.
type FeedStatus struct {
	FeedID                string   `json:"feed_id"`
	AgencyID              string   `json:"agency_id"`
	FeedType              string   `json:"feed_type"`
	IntervalSeconds       int      `json:"interval_seconds"`
	LastSuccessSecondsAgo *float64 `json:"last_success_seconds_ago"`
}

// FeedStatuses reports per-feed freshness. LastSuccessSecondsAgo is nil for
// feeds that have not archived since startup.
func (a *Archiver) FeedStatuses() []FeedStatus {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	statuses := make([]FeedStatus, 0, len(a.feeds))
	for _, spec := range a.feeds {
		s := FeedStatus{
			FeedID:          spec.ID,
			AgencyID:        spec.AgencyID,
			FeedType:        string(spec.FeedType),
			IntervalSeconds: spec.IntervalSeconds,
		}
		if at, ok := a.lastSuccess[spec.ID]; ok {
			ago := time.Since(at).Seconds()
			s.LastSuccessSecondsAgo = &ago
		}
		statuses = append(statuses, s)
	}
	return statuses
}
