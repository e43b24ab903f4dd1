// Package scheduler implements the two scheduler variants an overseer
// drives: Automatic, which fires on a fixed interval, and Manual, which
// lets the plugin set its own pace. Both satisfy the same contract —
// key, start, stop, reschedule(now) — so the overseer's scheduler table
// never needs to distinguish them (spec §4.1, Design Notes "sealed
// tagged variant").
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/log"
	"github.com/latticerun/forge/pkg/metrics"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/types"
)

// fetchTimeout bounds a single fetch() call so a wedged plugin cannot
// wedge the scheduler's event loop indefinitely.
const fetchTimeout = 30 * time.Second

// Kind distinguishes the two scheduler variants for logging and tests.
type Kind int

const (
	KindAutomatic Kind = iota
	KindManual
)

func (k Kind) String() string {
	if k == KindManual {
		return "manual"
	}
	return "automatic"
}

// Fetcher is the overseer-side binding a scheduler calls on every
// trigger. The overseer implements this by coalescing concurrent
// fetches within one event-loop iteration (spec §4.2 item 9); the
// scheduler itself is oblivious to that caching.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string][]byte, error)
}

// OnFailure is invoked when a fetch returns an error. The overseer
// passes a callback here that starts its own self-termination sequence
// (spec §4.1 "Failure").
type OnFailure func(key types.SchedulerKey, err error)

// Scheduler periodically calls a Fetcher and publishes its non-empty
// results under its key, per the shared contract of §4.1.
type Scheduler struct {
	key      types.SchedulerKey
	kind     Kind
	interval time.Duration // Automatic only
	plugin   plugin.Instance
	fetcher  Fetcher
	pub      events.Publisher
	onFail   OnFailure

	mu     sync.Mutex
	stopCh chan struct{}
}

// NewAutomatic constructs an Automatic scheduler with a fixed interval.
// interval must be strictly positive; otherwise construction fails
// with InvalidArgument and no scheduler is created.
func NewAutomatic(p plugin.Instance, fetcher Fetcher, interval time.Duration, pub events.Publisher, onFail OnFailure) (*Scheduler, error) {
	if interval <= 0 {
		return nil, types.NewError(types.KindInvalidArgument, "automatic scheduler requires a positive interval")
	}
	return &Scheduler{
		key:      types.AutoKey(p.Hash(), interval),
		kind:     KindAutomatic,
		interval: interval,
		plugin:   p,
		fetcher:  fetcher,
		pub:      pub,
		onFail:   onFail,
	}, nil
}

// NewManual constructs a Manual scheduler. The plugin must advertise
// the MANUAL capability; otherwise construction fails with
// CapabilityMissing.
func NewManual(p plugin.Instance, fetcher Fetcher, pub events.Publisher, onFail OnFailure) (*Scheduler, error) {
	if !p.Capabilities().Has(types.CapManual) {
		return nil, types.NewError(types.KindCapabilityMissing, "plugin does not advertise MANUAL")
	}
	return &Scheduler{
		key:     types.ManualKey(p.Hash()),
		kind:    KindManual,
		plugin:  p,
		fetcher: fetcher,
		pub:     pub,
		onFail:  onFail,
	}, nil
}

// Key returns the scheduler's deterministic table key.
func (s *Scheduler) Key() types.SchedulerKey { return s.key }

// Kind reports whether this is an Automatic or Manual scheduler.
func (s *Scheduler) Kind() Kind { return s.kind }

// Reschedule computes the next trigger timestamp per the variant's
// rule: Automatic adds its fixed interval; Manual lets the plugin pace
// itself but never moves the trigger backward from now.
func (s *Scheduler) Reschedule(now time.Time) time.Time {
	if s.kind == KindAutomatic {
		return now.Add(s.interval)
	}
	next := s.plugin.Reschedule(now)
	if next.Before(now) {
		return now
	}
	return next
}

// Start begins the scheduler's trigger loop in its own goroutine.
// Calling Start on an already-running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.run(stopCh)
}

// Stop ends the trigger loop. Stopping a scheduler that was never
// started, or stopping twice, is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
}

func (s *Scheduler) run(stopCh chan struct{}) {
	next := s.Reschedule(time.Now())
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			s.tick()
			timer.Reset(time.Until(s.Reschedule(time.Now())))
		}
	}
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	dict, err := s.fetcher.Fetch(ctx)
	if err != nil {
		metrics.FetchesTotal.WithLabelValues("error").Inc()
		l := log.WithSchedulerKey(string(s.key))
		l.Error().Err(err).Msg("scheduler fetch failed, terminating")
		if s.onFail != nil {
			s.onFail(s.key, err)
		}
		s.Stop()
		return
	}
	metrics.FetchesTotal.WithLabelValues("success").Inc()

	if err := s.pub.Publish(s.key, dict); err != nil {
		l := log.WithSchedulerKey(string(s.key))
		l.Error().Err(err).Msg("publish failed")
		return
	}
	metrics.PublishesTotal.Inc()
}
