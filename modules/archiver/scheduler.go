package archiver

import (
	"context"
	"time"

	"github.com/go-kit/log/level"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
)

// feedLoop owns one feed's timer. The ticker channel holds at most one
// pending tick, so a slow pipeline coalesces missed ticks instead of
// building a backlog; a tick older than the misfire grace is dropped.
func (a *Archiver) feedLoop(tickCtx, workCtx context.Context, spec *catalog.FeedSpec) {
	first := time.NewTimer(spec.StartupOffset())
	defer first.Stop()

	select {
	case fired := <-first.C:
		a.runTick(workCtx, spec, fired)
	case <-tickCtx.Done():
		return
	}

	ticker := time.NewTicker(spec.Interval())
	defer ticker.Stop()

	for {
		select {
		case fired := <-ticker.C:
			if lag := time.Since(fired); lag > a.cfg.MisfireGrace {
				level.Warn(a.logger).Log("msg", "skipping misfired tick", "feed", spec.ID, "lag", lag)
				continue
			}
			a.runTick(workCtx, spec, fired)
		case <-tickCtx.Done():
			return
		}
	}
}

// runTick records the attempt, waits for a permit and hands off to the
// pipeline. The attempt counter moves before the permit wait so saturation
// shows up as a widening gap between attempts and outcomes.
func (a *Archiver) runTick(ctx context.Context, spec *catalog.FeedSpec, fired time.Time) {
	labels := specLabels(spec)
	a.metrics.fetchTotal.WithLabelValues(labels...).Inc()
	a.metrics.schedulerDelay.WithLabelValues(labels...).Observe(time.Since(fired).Seconds())

	queued := time.Now()
	select {
	case a.permits <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-a.permits }()

	a.metrics.queueDelay.WithLabelValues(labels...).Observe(time.Since(queued).Seconds())
	a.metrics.totalDelay.WithLabelValues(labels...).Observe(time.Since(fired).Seconds())

	a.archiveOnce(ctx, spec)
}

// RunOnce fetches and archives a single feed immediately, outside the
// schedule. Used by the one-shot CLI path and tests.
func (a *Archiver) RunOnce(ctx context.Context, spec *catalog.FeedSpec) {
	a.runTick(ctx, spec, time.Now())
}
