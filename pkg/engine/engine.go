// Package engine implements the per-target dispatcher: a pool of
// slaves for one target, and the push/drop/kill operations a client
// request actually drives (spec §4.4). Each slave it creates is paired
// with an in-worker overseer and a transport pipe connecting the two,
// simulating the supervisor/worker process split inside one Go
// process (spec §9 "thread bootstrap": spawn is modeled as an opaque
// primitive, not a real OS process or container).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/log"
	"github.com/latticerun/forge/pkg/metrics"
	"github.com/latticerun/forge/pkg/overseer"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/scheduler"
	"github.com/latticerun/forge/pkg/slave"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/transport"
	"github.com/latticerun/forge/pkg/types"
)

// DefaultThread is the thread id push/drop use when the caller omits
// one (spec §4.4).
const DefaultThread = "default"

// worker bundles the two halves of one simulated worker process: the
// supervisor-side slave handle and the in-worker overseer, joined by
// an in-memory transport pipe.
type worker struct {
	slave      *slave.Slave
	overseer   *overseer.Overseer
	workerSide transport.Transport
}

// Engine owns every slave spawned for one target.
type Engine struct {
	target   types.Target
	registry plugin.Registry
	store    storage.Store
	pub      events.Publisher
	cfg      *config.Config

	reaper chan overseer.SuicideNotice

	mu       sync.Mutex
	workers  map[string]*worker
	draining bool
}

// New constructs an engine for one target. Call Run once before
// issuing Push/Drop/Kill.
func New(target types.Target, registry plugin.Registry, store storage.Store, pub events.Publisher, cfg *config.Config) *Engine {
	return &Engine{
		target:   target,
		registry: registry,
		store:    store,
		pub:      pub,
		cfg:      cfg,
		reaper:   make(chan overseer.SuicideNotice, 16),
		workers:  make(map[string]*worker),
	}
}

// Run starts the reaper-consuming goroutine that kills a slave whose
// overseer has reported a suicide notice.
func (e *Engine) Run() {
	go e.drainReaper()
}

func (e *Engine) drainReaper() {
	for notice := range e.reaper {
		l := log.WithTarget(string(e.target))
		l.Warn().Str("thread_id", notice.ThreadID).Msg("reaper notice received, killing slave")
		e.Kill(notice.ThreadID)
	}
}

// Push selects or creates the slave for threadID (DefaultThread if
// empty), allocates a session against it, and sends the request. A
// slave-creation failure is reported synchronously to the caller, with
// no partial slave retained (spec §4.4 "slave creation").
func (e *Engine) Push(ctx context.Context, threadID string, sink slave.SessionSink, payload []byte) (types.SessionID, error) {
	if threadID == "" {
		threadID = DefaultThread
	}

	timer := metrics.NewTimer()
	w, err := e.getOrCreate(threadID)
	if err != nil {
		return 0, err
	}
	sid, err := w.slave.Assign(ctx, &countingSink{SessionSink: sink, target: e.target}, payload)
	if err == nil {
		timer.ObserveDuration(metrics.PushLatency)
		metrics.SessionsActive.WithLabelValues(string(e.target)).Inc()
	}
	return sid, err
}

// countingSink decrements the active-session gauge exactly once, on
// whichever terminal call (Fail or Close) a session ends with.
type countingSink struct {
	slave.SessionSink
	target types.Target
	done   sync.Once
}

func (c *countingSink) Fail(err error) {
	c.SessionSink.Fail(err)
	c.done.Do(func() { metrics.SessionsActive.WithLabelValues(string(c.target)).Dec() })
}

func (c *countingSink) Close() {
	c.SessionSink.Close()
	c.done.Do(func() { metrics.SessionsActive.WithLabelValues(string(c.target)).Dec() })
}

// Drop asks the slave for threadID to stop the scheduler named by
// key's args, via the slave's overseer control channel. NotFound is
// returned if no such slave exists.
func (e *Engine) Drop(threadID string, key types.SchedulerKey) error {
	if threadID == "" {
		threadID = DefaultThread
	}

	e.mu.Lock()
	w, ok := e.workers[threadID]
	e.mu.Unlock()
	if !ok {
		return types.NewError(types.KindNotFound, "no slave for thread "+threadID)
	}

	future := make(chan overseer.Reply, 1)
	w.overseer.Submit(overseer.Request{Kind: overseer.RequestStop, Args: map[string]string{"key": string(key)}, Future: future})
	select {
	case rep := <-future:
		return rep.Err
	case <-time.After(10 * time.Second):
		return types.NewError(types.KindTransport, "stop request timed out")
	}
}

// Kill removes a slave the caller has determined is dead. A missing
// slave is a no-op warning, not an error (spec §4.4).
func (e *Engine) Kill(threadID string) {
	e.mu.Lock()
	w, ok := e.workers[threadID]
	if ok {
		delete(e.workers, threadID)
	}
	e.mu.Unlock()

	if !ok {
		l := log.WithTarget(string(e.target))
		l.Warn().Str("thread_id", threadID).Msg("kill: no such slave")
		return
	}
	metrics.SlavesTotal.WithLabelValues(string(e.target), types.StateActive.String()).Dec()
	w.slave.Suicide(types.NewError(types.KindWorkerGone, "killed by engine"))
	w.overseer.Submit(overseer.Request{Kind: overseer.RequestTerminate})
	_ = w.workerSide.Close()
}

// Drain gracefully terminates every slave: each is sent a cooperative
// terminate and its overseer is told to stop all schedulers and exit.
// This is the supplemented counterpart to Kill for planned shutdown
// (SPEC_FULL.md §11), where Kill assumes the slave is already dead.
func (e *Engine) Drain() {
	e.mu.Lock()
	e.draining = true
	workers := make([]*worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.workers = make(map[string]*worker)
	e.mu.Unlock()

	for _, w := range workers {
		metrics.SlavesTotal.WithLabelValues(string(e.target), types.StateActive.String()).Dec()
		w.slave.Terminate("engine draining")
		future := make(chan overseer.Reply, 1)
		w.overseer.Submit(overseer.Request{Kind: overseer.RequestTerminate, Future: future})
		select {
		case <-future:
		case <-time.After(5 * time.Second):
		}
		_ = w.workerSide.Close()
	}
}

func (e *Engine) getOrCreate(threadID string) (*worker, error) {
	e.mu.Lock()
	if w, ok := e.workers[threadID]; ok {
		e.mu.Unlock()
		return w, nil
	}
	if e.draining {
		e.mu.Unlock()
		return nil, types.NewError(types.KindCancelled, "engine is draining")
	}
	if e.cfg.MaxSlavesPerTarget > 0 && len(e.workers) >= e.cfg.MaxSlavesPerTarget {
		e.mu.Unlock()
		return nil, types.NewError(types.KindOverloaded, "max slaves per target reached")
	}
	e.mu.Unlock()

	instance, err := e.registry.Instantiate(e.target)
	if err != nil {
		return nil, err
	}

	supervisorSide, workerSide := transport.NewPipe(e.cfg.TransportHighWaterMark)
	ov := overseer.New(threadID, string(e.target), instance, e.store, e.pub, e.cfg, e.reaper)
	sl := slave.New(threadID, supervisorSide, e.cfg, e.onSlaveDead)
	w := &worker{slave: sl, overseer: ov, workerSide: workerSide}

	e.mu.Lock()
	if existing, ok := e.workers[threadID]; ok {
		e.mu.Unlock()
		_ = workerSide.Close()
		return existing, nil
	}
	e.workers[threadID] = w
	e.mu.Unlock()

	ov.Run()
	sl.Run()
	go e.serveWorker(w)
	metrics.SlavesTotal.WithLabelValues(string(e.target), types.StateActive.String()).Inc()
	return w, nil
}

// Close drains every slave and stops the reaper-consuming goroutine
// started by Run. It is the counterpart to Run for callers that need a
// clean shutdown, such as tests verifying no goroutines are leaked.
func (e *Engine) Close() {
	e.Drain()
	close(e.reaper)
}

func (e *Engine) onSlaveDead(threadID string, reason error) {
	l := log.WithTarget(string(e.target))
	l.Warn().Str("thread_id", threadID).Err(reason).Msg("slave died, removing from pool")
	e.mu.Lock()
	_, existed := e.workers[threadID]
	delete(e.workers, threadID)
	e.mu.Unlock()
	if existed {
		metrics.SlavesTotal.WithLabelValues(string(e.target), types.StateActive.String()).Dec()
	}
}

// serveWorker plays the part of the out-of-scope plugin invocation
// runtime: it answers every invoke with the overseer's (coalesced)
// fetch result, streamed back as one chunk followed by release, and
// emits heartbeats on a fraction of the configured deadline. Real
// request handling inside a plugin is outside this core's boundary
// (spec §1); this is the minimal stand-in needed to exercise the
// slave/overseer wiring end to end.
func (e *Engine) serveWorker(w *worker) {
	heartbeat := e.cfg.HeartbeatDeadline / 3
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.workerSide.Send(context.Background(), transport.Message{Code: transport.CodeHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		msg, err := w.workerSide.Recv(context.Background())
		if err != nil {
			return
		}
		if msg.Code != transport.CodeInvoke {
			continue
		}
		go e.answer(w, msg.SessionID)
	}
}

func (e *Engine) answer(w *worker, sid types.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dict, err := w.overseer.Fetch(ctx)
	if err != nil {
		_ = w.workerSide.Send(ctx, transport.Message{
			Code: transport.CodeError, SessionID: sid,
			ErrorCode: int(types.KindOf(err)), ErrorReason: err.Error(),
		})
		return
	}

	if payload, encErr := events.Encode(dict); encErr == nil {
		_ = w.workerSide.Send(ctx, transport.Message{Code: transport.CodePush, SessionID: sid, Payload: payload})
	}
	_ = w.workerSide.Send(ctx, transport.Message{Code: transport.CodeRelease, SessionID: sid})
}

// Schedule submits a schedule control request (auto, manual, or a
// one-shot fetch) to the overseer for threadID, creating the slave if
// needed. It exists so callers don't need to reach into engine
// internals to drive §4.2's scheduling path through the same pool
// Push uses. dict is only populated for a RequestOnce reply; auto and
// manual requests return a key instead.
func (e *Engine) Schedule(threadID string, kind overseer.RequestKind, token types.CallerToken, args map[string]string, transient bool) (key types.SchedulerKey, dict map[string][]byte, err error) {
	if threadID == "" {
		threadID = DefaultThread
	}
	if kind != overseer.RequestAuto && kind != overseer.RequestManual && kind != overseer.RequestOnce {
		return "", nil, types.NewError(types.KindInvalidArgument, "not a schedule request kind")
	}

	w, err := e.getOrCreate(threadID)
	if err != nil {
		return "", nil, err
	}

	future := make(chan overseer.Reply, 1)
	w.overseer.Submit(overseer.Request{Kind: kind, Token: token, Args: args, Transient: transient, Future: future})
	select {
	case rep := <-future:
		return rep.Key, rep.Dict, rep.Err
	case <-time.After(10 * time.Second):
		return "", nil, types.NewError(types.KindTransport, "schedule request timed out")
	}
}

var _ scheduler.Fetcher = (*overseer.Overseer)(nil)
