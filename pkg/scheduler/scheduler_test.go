package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/scheduler"
	"github.com/latticerun/forge/pkg/types"
)

type countingFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context) (map[string][]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return map[string][]byte{"n": []byte("1")}, nil
}

func TestNewAutomaticRejectsNonPositiveInterval(t *testing.T) {
	p := plugin.NewDemo("demo", false, time.Second)
	_, err := scheduler.NewAutomatic(p, &countingFetcher{}, 0, events.NoopPublisher{}, nil)
	require.Error(t, err)
	require.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestNewManualRequiresCapability(t *testing.T) {
	p := plugin.NewDemo("demo", false, time.Second)
	_, err := scheduler.NewManual(p, &countingFetcher{}, events.NoopPublisher{}, nil)
	require.Error(t, err)
	require.Equal(t, types.KindCapabilityMissing, types.KindOf(err))
}

func TestAutomaticKeyIsDeterministic(t *testing.T) {
	p := plugin.NewDemo("demo", false, time.Second)
	s1, err := scheduler.NewAutomatic(p, &countingFetcher{}, time.Second, events.NoopPublisher{}, nil)
	require.NoError(t, err)
	s2, err := scheduler.NewAutomatic(p, &countingFetcher{}, time.Second, events.NoopPublisher{}, nil)
	require.NoError(t, err)
	require.Equal(t, s1.Key(), s2.Key())
}

func TestFetchFailureTerminatesScheduler(t *testing.T) {
	p := plugin.NewDemo("demo", false, 10*time.Millisecond)
	fetcher := &countingFetcher{err: types.NewError(types.KindPluginFailure, "boom")}

	failed := make(chan types.SchedulerKey, 1)
	s, err := scheduler.NewAutomatic(p, fetcher, 5*time.Millisecond, events.NoopPublisher{}, func(key types.SchedulerKey, err error) {
		failed <- key
	})
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	select {
	case key := <-failed:
		require.Equal(t, s.Key(), key)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not report failure in time")
	}
}

func TestManualReschedulePacesFromPlugin(t *testing.T) {
	p := plugin.NewDemo("demo", true, 50*time.Millisecond)
	s, err := scheduler.NewManual(p, &countingFetcher{}, events.NoopPublisher{}, nil)
	require.NoError(t, err)

	now := time.Now()
	next := s.Reschedule(now)
	require.True(t, next.After(now) || next.Equal(now))
	require.True(t, next.Equal(now.Add(50*time.Millisecond)))
}
