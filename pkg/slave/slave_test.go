package slave_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/slave"
	"github.com/latticerun/forge/pkg/transport"
	"github.com/latticerun/forge/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	chunks [][]byte
	err    error
	closed bool
}

func (r *recordingSink) Chunk(data []byte) { r.chunks = append(r.chunks, data) }
func (r *recordingSink) Fail(err error)    { r.err = err }
func (r *recordingSink) Close()            { r.closed = true }

func newPair(t *testing.T) (*slave.Slave, *transport.Pipe, chan struct{}) {
	t.Helper()
	supervisorSide, workerSide := transport.NewPipe(16)

	cfg := config.Default()
	cfg.HeartbeatDeadline = 200 * time.Millisecond
	cfg.IdleDeadline = 200 * time.Millisecond

	died := make(chan struct{}, 1)
	s := slave.New("worker-1", supervisorSide, cfg, func(string, error) {
		select {
		case died <- struct{}{}:
		default:
		}
	})
	s.Run()
	t.Cleanup(func() { s.Suicide(errors.New("test cleanup")) })
	return s, workerSide, died
}

func TestUnknownBecomesActiveOnHeartbeat(t *testing.T) {
	s, worker, _ := newPair(t)
	require.Equal(t, types.StateUnknown, s.State())

	require.NoError(t, worker.Send(context.Background(), transport.Message{Code: transport.CodeHeartbeat}))
	require.Eventually(t, func() bool { return s.State() == types.StateActive }, time.Second, 10*time.Millisecond)
}

func TestAssignDeliversChunksInOrder(t *testing.T) {
	s, worker, _ := newPair(t)
	sink := &recordingSink{}

	sid, err := s.Assign(context.Background(), sink, []byte("req"))
	require.NoError(t, err)

	go func() {
		worker.Send(context.Background(), transport.Message{Code: transport.CodePush, SessionID: sid, Payload: []byte("a")})
		worker.Send(context.Background(), transport.Message{Code: transport.CodePush, SessionID: sid, Payload: []byte("b")})
		worker.Send(context.Background(), transport.Message{Code: transport.CodeRelease, SessionID: sid})
	}()

	require.Eventually(t, func() bool { return sink.closed }, time.Second, 10*time.Millisecond)
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, sink.chunks)
}

func TestHeartbeatDeadlineKillsSlave(t *testing.T) {
	_, _, died := newPair(t)

	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not die after missing heartbeat deadline")
	}
}

func TestHeartbeatDeadlineKillsActiveSlaveAfterSilence(t *testing.T) {
	s, worker, died := newPair(t)

	require.NoError(t, worker.Send(context.Background(), transport.Message{Code: transport.CodeHeartbeat}))
	require.Eventually(t, func() bool { return s.State() == types.StateActive }, time.Second, 10*time.Millisecond)

	// No further heartbeats sent; the slave must still detect the
	// deadline after having had its timer rearmed once.
	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Fatal("slave did not die after going silent following an earlier heartbeat")
	}
}

func TestErrorFailsSession(t *testing.T) {
	s, worker, _ := newPair(t)
	sink := &recordingSink{}

	sid, err := s.Assign(context.Background(), sink, []byte("req"))
	require.NoError(t, err)

	require.NoError(t, worker.Send(context.Background(), transport.Message{
		Code: transport.CodeError, SessionID: sid, ErrorCode: 1, ErrorReason: "plugin blew up",
	}))

	require.Eventually(t, func() bool { return sink.err != nil }, time.Second, 10*time.Millisecond)
}
