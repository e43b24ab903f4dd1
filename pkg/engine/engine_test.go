package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/engine"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/overseer"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	chunks chan []byte
	errs   chan error
	closed chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{chunks: make(chan []byte, 8), errs: make(chan error, 1), closed: make(chan struct{}, 1)}
}

func (r *recordingSink) Chunk(data []byte) { r.chunks <- data }
func (r *recordingSink) Fail(err error)    { r.errs <- err }
func (r *recordingSink) Close()            { r.closed <- struct{}{} }

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.HeartbeatDeadline = time.Second
	cfg.IdleDeadline = time.Second
	cfg.TransportHighWaterMark = 16

	registry := plugin.NewRegistry(map[types.Target]plugin.Instance{
		"demo-target": plugin.NewDemo("demo", false, time.Second),
	})

	e := engine.New("demo-target", registry, storage.NewMemStore(), events.NoopPublisher{}, cfg)
	e.Run()
	t.Cleanup(e.Close)
	return e
}

func TestPushCreatesSlaveAndDeliversChunk(t *testing.T) {
	e := newTestEngine(t)
	sink := newRecordingSink()

	sid, err := e.Push(context.Background(), "", sink, []byte("hello"))
	require.NoError(t, err)
	require.NotZero(t, sid)

	select {
	case <-sink.chunks:
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a chunk in time")
	}

	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestPushUnknownTargetFailsSynchronously(t *testing.T) {
	cfg := config.Default()
	registry := plugin.NewRegistry(map[types.Target]plugin.Instance{})
	e := engine.New("missing-target", registry, storage.NewMemStore(), events.NoopPublisher{}, cfg)
	e.Run()
	t.Cleanup(e.Close)

	_, err := e.Push(context.Background(), "", newRecordingSink(), []byte("x"))
	require.Error(t, err)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestDropUnknownSlaveReturnsNotFound(t *testing.T) {
	e := newTestEngine(t)
	err := e.Drop("no-such-thread", "auto:H@1.0")
	require.Error(t, err)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestScheduleThenDropRoundTrip(t *testing.T) {
	e := newTestEngine(t)

	key, _, err := e.Schedule("", overseer.RequestAuto, "caller-1", map[string]string{"interval": "50"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, key)

	require.NoError(t, e.Drop("", key))
}

func TestKillRemovesSlave(t *testing.T) {
	e := newTestEngine(t)
	sink := newRecordingSink()
	_, err := e.Push(context.Background(), "worker-a", sink, []byte("x"))
	require.NoError(t, err)

	e.Kill("worker-a")
	require.Equal(t, types.KindNotFound, types.KindOf(e.Drop("worker-a", "auto:H@1.0")))
	// Killing again, or killing something never created, is a no-op.
	e.Kill("worker-a")
	e.Kill("never-existed")
}
