package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Timer measures elapsed wall-clock time and reports it to a
// histogram, the shape call sites use around a push, fetch, or
// schedule request to feed PushLatency and friends.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer running from now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns elapsed time since the timer started. It may be
// called more than once; each call reflects the time of that call.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed duration on a plain histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed duration on a histogram vec
// for the given label values.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labelValues ...string) {
	h.WithLabelValues(labelValues...).Observe(t.Duration().Seconds())
}
