// Package slave implements the supervisor-side handle for one worker:
// its state machine, heartbeat and idle timers, and the session table
// that demultiplexes inbound chunks by session id (spec §4.3).
package slave

import (
	"context"
	"sync"
	"time"

	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/log"
	"github.com/latticerun/forge/pkg/transport"
	"github.com/latticerun/forge/pkg/types"
)

// SessionSink receives a session's result stream as it arrives. The
// engine implements this to bridge a session back to its originating
// future.
type SessionSink interface {
	Chunk(data []byte)
	Fail(err error)
	Close()
}

// OnDead is invoked exactly once when a slave transitions to Dead,
// carrying the reason so the engine can decide how to report it.
type OnDead func(threadID string, reason error)

// Slave is one supervisor-side worker handle.
type Slave struct {
	threadID  string
	transport transport.Transport
	cfg       *config.Config
	onDead    OnDead

	mu       sync.Mutex
	state    types.SlaveState
	sessions map[types.SessionID]SessionSink
	nextID   uint64

	heartbeatTimer *time.Timer
	heartbeatReset chan struct{}

	idleTimer *time.Timer
	idleReset chan struct{}

	dieOnce sync.Once
}

// New constructs a slave in state Unknown. Run must be called to start
// its timers and inbound-message loop.
func New(threadID string, t transport.Transport, cfg *config.Config, onDead OnDead) *Slave {
	return &Slave{
		threadID:  threadID,
		transport: t,
		cfg:       cfg,
		onDead:    onDead,
		state:     types.StateUnknown,
		sessions:  make(map[types.SessionID]SessionSink),
	}
}

// ThreadID returns the slave's identifier.
func (s *Slave) ThreadID() string { return s.threadID }

// State reports the slave's current lifecycle state.
func (s *Slave) State() types.SlaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run arms the heartbeat-deadline timer and, since the session map
// starts empty, the idle timer, then starts the inbound RPC read loop
// and the two timer watchers. Assign cancels the idle timer and it is
// rearmed whenever the session map drains.
func (s *Slave) Run() {
	s.mu.Lock()
	s.rearmHeartbeatLocked()
	s.armIdleLocked()
	s.mu.Unlock()

	go s.recvLoop()
	go s.heartbeatWatch()
	go s.idleWatch()
}

func (s *Slave) recvLoop() {
	for {
		msg, err := s.transport.Recv(context.Background())
		if err != nil {
			s.die(types.Wrap(types.KindTransport, "transport read failed", err))
			return
		}
		s.handle(msg)
	}
}

func (s *Slave) handle(msg transport.Message) {
	switch msg.Code {
	case transport.CodeHeartbeat:
		s.onHeartbeat()
	case transport.CodePush:
		s.onChunk(msg.SessionID, msg.Payload)
	case transport.CodeError:
		s.onError(msg.SessionID, msg.ErrorCode, msg.ErrorReason)
	case transport.CodeRelease:
		s.onRelease(msg.SessionID)
	default:
		l := log.WithSlave(s.threadID)
		l.Warn().Int("code", int(msg.Code)).Msg("unrecognized inbound message code")
	}
}

func (s *Slave) onHeartbeat() {
	s.mu.Lock()
	if s.state == types.StateUnknown {
		s.state = types.StateActive
	}
	s.rearmHeartbeatLocked()
	s.mu.Unlock()
}

func (s *Slave) onChunk(sid types.SessionID, payload []byte) {
	s.mu.Lock()
	sink := s.sessions[sid]
	s.mu.Unlock()
	if sink != nil {
		sink.Chunk(payload)
	}
}

func (s *Slave) onError(sid types.SessionID, code int, reason string) {
	s.mu.Lock()
	sink := s.sessions[sid]
	delete(s.sessions, sid)
	empty := len(s.sessions) == 0
	if empty {
		s.armIdleLocked()
	}
	s.mu.Unlock()

	if sink != nil {
		sink.Fail(types.NewError(types.KindPluginFailure, reason))
	}
}

func (s *Slave) onRelease(sid types.SessionID) {
	s.mu.Lock()
	sink := s.sessions[sid]
	delete(s.sessions, sid)
	empty := len(s.sessions) == 0
	if empty {
		s.armIdleLocked()
	}
	s.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
}

// Assign allocates a new session, records sink as its destination, and
// sends an invoke frame to the worker. It cancels the idle timer since
// the session map is no longer empty.
func (s *Slave) Assign(ctx context.Context, sink SessionSink, payload []byte) (types.SessionID, error) {
	s.mu.Lock()
	if s.state == types.StateDead {
		s.mu.Unlock()
		return 0, types.NewError(types.KindWorkerGone, "slave is dead")
	}
	s.nextID++
	sid := types.SessionID(s.nextID)
	s.sessions[sid] = sink
	s.cancelIdleLocked()
	s.mu.Unlock()

	err := s.transport.Send(ctx, transport.Message{Code: transport.CodeInvoke, SessionID: sid, Payload: payload})
	if err != nil {
		s.mu.Lock()
		delete(s.sessions, sid)
		if len(s.sessions) == 0 {
			s.armIdleLocked()
		}
		s.mu.Unlock()
		if err == transport.ErrOverloaded {
			return 0, types.NewError(types.KindOverloaded, "transport high-water mark reached")
		}
		return 0, types.Wrap(types.KindTransport, "send invoke", err)
	}
	return sid, nil
}

// Terminate sends a graceful terminate frame, flushes any pending
// sessions with resource-exhausted, and transitions to Inactive.
func (s *Slave) Terminate(reason string) {
	s.mu.Lock()
	if s.state == types.StateDead {
		s.mu.Unlock()
		return
	}
	pending := make([]SessionSink, 0, len(s.sessions))
	for _, sink := range s.sessions {
		pending = append(pending, sink)
	}
	s.sessions = make(map[types.SessionID]SessionSink)
	s.state = types.StateInactive
	s.cancelIdleLocked()
	s.mu.Unlock()

	for _, sink := range pending {
		sink.Fail(types.NewError(types.KindOverloaded, "resource exhausted: slave terminating"))
	}

	_ = s.transport.Send(context.Background(), transport.Message{Code: transport.CodeTerminate, TermReason: reason})
}

// Suicide is invoked when the overseer reports a suicide notice for
// this worker. All sessions fail with WorkerGone and the slave dies.
func (s *Slave) Suicide(reason error) {
	s.die(types.Wrap(types.KindWorkerGone, "worker suicide", reason))
}

func (s *Slave) die(reason error) {
	s.dieOnce.Do(func() {
		s.mu.Lock()
		s.state = types.StateDead
		pending := make([]SessionSink, 0, len(s.sessions))
		for _, sink := range s.sessions {
			pending = append(pending, sink)
		}
		s.sessions = make(map[types.SessionID]SessionSink)
		if s.heartbeatTimer != nil {
			s.heartbeatTimer.Stop()
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
		}
		// Wake heartbeatWatch/idleWatch if they're blocked on a reset
		// or timer channel; both re-check state and exit on Dead.
		if s.heartbeatReset != nil {
			close(s.heartbeatReset)
			s.heartbeatReset = nil
		}
		if s.idleReset != nil {
			close(s.idleReset)
			s.idleReset = nil
		}
		s.mu.Unlock()

		for _, sink := range pending {
			sink.Fail(reason)
		}
		_ = s.transport.Close()

		l := log.WithSlave(s.threadID)
		l.Error().Err(reason).Msg("slave died")
		if s.onDead != nil {
			s.onDead(s.threadID, reason)
		}
	})
}

// heartbeatWatch waits on the current heartbeat timer. A heartbeat rearms
// the timer to a new instance and closes heartbeatReset to wake this
// goroutine out of whatever timer it was waiting on — a stopped timer never
// fires, so without this signal the watcher would block forever on the
// first instance and the deadline would stop being enforced after the
// first heartbeat.
func (s *Slave) heartbeatWatch() {
	for {
		s.mu.Lock()
		timer := s.heartbeatTimer
		reset := s.heartbeatReset
		dead := s.state == types.StateDead
		s.mu.Unlock()
		if dead || timer == nil {
			return
		}

		select {
		case <-timer.C:
			s.mu.Lock()
			current := s.heartbeatTimer == timer
			dead := s.state == types.StateDead
			s.mu.Unlock()
			if dead {
				return
			}
			if current {
				s.die(types.NewError(types.KindWorkerGone, "heartbeat deadline elapsed"))
				return
			}
		case <-reset:
			// Heartbeat arrived or the slave is rearming; loop back
			// and watch whatever timer is current now.
		}
	}
}

// rearmHeartbeatLocked must be called with mu held.
func (s *Slave) rearmHeartbeatLocked() {
	if s.heartbeatTimer != nil {
		s.heartbeatTimer.Stop()
	}
	s.heartbeatTimer = time.NewTimer(s.cfg.HeartbeatDeadline)
	if s.heartbeatReset != nil {
		close(s.heartbeatReset)
	}
	s.heartbeatReset = make(chan struct{})
}

// armIdleLocked arms the idle timer if the session map is empty and must
// be called with mu held. idleWatch is the goroutine that actually waits
// on the timer and issues the graceful Terminate when it fires.
func (s *Slave) armIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if len(s.sessions) == 0 {
		s.idleTimer = time.NewTimer(s.cfg.IdleDeadline)
	} else {
		s.idleTimer = nil
	}
	s.notifyIdleLocked()
}

// cancelIdleLocked must be called with mu held.
func (s *Slave) cancelIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.notifyIdleLocked()
}

// notifyIdleLocked wakes idleWatch so it re-reads s.idleTimer. Must be
// called with mu held.
func (s *Slave) notifyIdleLocked() {
	if s.idleReset != nil {
		close(s.idleReset)
	}
	s.idleReset = make(chan struct{})
}

// idleWatch waits on the current idle timer and issues a graceful
// Terminate when the slave has had no sessions for a full IdleDeadline.
// armIdleLocked/cancelIdleLocked close idleReset on every transition so
// this goroutine never blocks on a stale timer instance, the same
// pitfall heartbeatWatch avoids via heartbeatReset.
func (s *Slave) idleWatch() {
	for {
		s.mu.Lock()
		timer := s.idleTimer
		reset := s.idleReset
		dead := s.state == types.StateDead
		s.mu.Unlock()
		if dead {
			return
		}
		if timer == nil {
			<-reset
			continue
		}

		select {
		case <-timer.C:
			s.mu.Lock()
			stillIdle := s.idleTimer == timer && len(s.sessions) == 0
			isDead := s.state == types.StateDead
			s.mu.Unlock()
			if isDead {
				return
			}
			if stillIdle {
				s.Terminate("idle timeout")
				return
			}
		case <-reset:
			// Idle timer was armed, cancelled, or rearmed; loop back
			// and watch whatever is current now.
		}
	}
}
