package archiver

import (
	"context"
	"errors"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"

	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/catalog"
	"github.com/JarvusInnovations/gtfs-realtime-archiver/pkg/fetch"
)

const maxUploadAttempts = 3

// archiveOnce runs the fetch and upload for one tick. The caller holds a
// concurrency permit. Every outcome lands in exactly one error counter or in
// the success counters, never both.
func (a *Archiver) archiveOnce(ctx context.Context, spec *catalog.FeedSpec) {
	labels := specLabels(spec)
	started := time.Now()

	outcome, err := a.fetcher.FetchWithRetry(ctx, spec)
	a.metrics.lastFetch.WithLabelValues(spec.ID).SetToCurrentTime()
	if err != nil {
		a.metrics.fetchErrors.WithLabelValues(append(labels, fetch.ErrorType(err))...).Inc()

		var nonRetryable *fetch.NonRetryableError
		if errors.As(err, &nonRetryable) {
			// a wrong credential or a moved URL; the counter is what alerts
			level.Warn(a.logger).Log("msg", "feed returned non-retryable status", "feed", spec.ID, "status", nonRetryable.StatusCode)
			return
		}
		level.Error(a.logger).Log("msg", "fetch failed", "feed", spec.ID, "error_type", fetch.ErrorType(err), "err", err)
		return
	}

	a.metrics.fetchSuccess.WithLabelValues(labels...).Inc()
	a.metrics.fetchDuration.WithLabelValues(labels...).Observe(outcome.Duration.Seconds())
	a.metrics.fetchBytes.WithLabelValues(labels...).Observe(float64(len(outcome.Body)))

	key, err := a.upload(ctx, spec, outcome)
	if err != nil {
		a.metrics.uploadErrors.WithLabelValues(append(labels, fetch.ErrorType(err))...).Inc()
		level.Error(a.logger).Log("msg", "upload failed", "feed", spec.ID, "err", err)
		return
	}

	a.metrics.uploadSuccess.WithLabelValues(labels...).Inc()
	a.metrics.processedBytes.WithLabelValues(labels...).Add(float64(len(outcome.Body)))
	a.metrics.processingTime.WithLabelValues(labels...).Observe(time.Since(started).Seconds())
	a.markSuccess(spec.ID)

	level.Info(a.logger).Log("msg", "archived feed", "feed", spec.ID, "key", key, "bytes", len(outcome.Body), "fetch_duration", outcome.Duration)
}

// upload writes the outcome behind its own retry loop. The payload is already
// in memory, so a transient backend error only costs time, never data.
func (a *Archiver) upload(ctx context.Context, spec *catalog.FeedSpec, outcome *fetch.Outcome) (string, error) {
	a.metrics.uploadTotal.WithLabelValues(specLabels(spec)...).Inc()
	start := time.Now()

	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
		MaxRetries: maxUploadAttempts,
	})

	var (
		key     string
		lastErr error
	)
	for boff.Ongoing() {
		key, lastErr = a.writer.Write(ctx, spec, outcome)
		if lastErr == nil {
			a.metrics.uploadDuration.WithLabelValues(specLabels(spec)...).Observe(time.Since(start).Seconds())
			return key, nil
		}
		level.Warn(a.logger).Log("msg", "upload attempt failed", "feed", spec.ID, "attempt", boff.NumRetries()+1, "err", lastErr)
		boff.Wait()
	}
	if lastErr == nil {
		lastErr = boff.Err()
	}
	return "", lastErr
}

func (a *Archiver) markSuccess(feedID string) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.lastSuccess[feedID] = time.Now()
}
