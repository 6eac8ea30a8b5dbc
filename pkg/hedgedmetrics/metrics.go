package hedgedmetrics

import (
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/prometheus/client_golang/prometheus"
)

const hedgedMetricsPublishDuration = 10 * time.Second

// diffCounter feeds deltas of an absolute value into a monotonic counter.
type diffCounter struct {
	previous int64
	counter  prometheus.Counter
}

func (d *diffCounter) addAbsoluteToCounter(value int64) {
	diff := float64(value - d.previous)
	if diff < 0 {
		diff = 0
	}
	d.counter.Add(diff)
	d.previous = value
}

// Publish flushes the hedged request count from stats into counter every 10
// seconds for the life of the process.
func Publish(s *hedgedhttp.Stats, counter prometheus.Counter) {
	diff := &diffCounter{counter: counter}

	ticker := time.NewTicker(hedgedMetricsPublishDuration)
	go func() {
		for range ticker.C {
			snap := s.Snapshot()
			hedgedRequests := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
			diff.addAbsoluteToCounter(hedgedRequests)
		}
	}()
}
