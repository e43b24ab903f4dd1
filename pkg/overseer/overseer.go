// Package overseer implements the worker-side single-threaded event
// loop that owns one plugin instance and every scheduler built against
// it (spec §4.2). It is single-threaded in the sense that matters: all
// scheduler-table mutation happens on one goroutine reading from a
// request channel, the same pattern the teacher uses for its
// ticker+stopCh worker loop, generalized from a fixed ticker to an
// arbitrary request stream plus an idle timer.
package overseer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/log"
	"github.com/latticerun/forge/pkg/metrics"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/scheduler"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/types"
)

// RequestKind identifies one of the control messages the supervisor
// hands to the overseer through Submit (spec §4.2 item 1).
type RequestKind int

const (
	RequestAuto RequestKind = iota
	RequestManual
	RequestOnce
	RequestStop
	RequestTerminate
)

// Request is one control message, passed by the engine straight to the
// overseer's Submit. Future receives exactly one Reply.
type Request struct {
	Kind      RequestKind
	Token     types.CallerToken
	Args      map[string]string
	Transient bool
	Future    chan Reply
}

func (r Request) reply(rep Reply) {
	if r.Future == nil {
		return
	}
	select {
	case r.Future <- rep:
	default:
	}
}

// Reply answers a Request's future: either a scheduler key (schedule
// requests), a fetched dict (once requests), or an error.
type Reply struct {
	Key  types.SchedulerKey
	Dict map[string][]byte
	Err  error
}

// SuicideNotice is sent to the supervisor's reaper channel when an
// overseer terminates itself, idle or failed (spec §4.2 item 8).
type SuicideNotice struct {
	EngineURI string
	ThreadID  string
	Reason    error
}

// Overseer owns one plugin instance, its scheduler table, and the
// subscription multimap tracking which callers depend on which
// scheduler. Every field under mu is touched only by the loop
// goroutine or by a scheduler's onFailure callback, both serialized
// through mu.
type Overseer struct {
	threadID  string
	engineURI string
	plugin    plugin.Instance
	store     storage.Store
	pub       events.Publisher
	cfg       *config.Config
	reaper    chan<- SuicideNotice

	reqCh chan Request
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	schedulers map[types.SchedulerKey]*scheduler.Scheduler
	subs       map[types.SchedulerKey]map[types.CallerToken]bool
	idleTimer  *time.Timer
	idleC      <-chan time.Time

	sf       singleflight.Group
	fetchGen uint64
}

// New constructs an overseer for one worker thread. reaper receives
// this overseer's suicide notice, if any; it may be nil in tests that
// don't care.
func New(threadID, engineURI string, p plugin.Instance, store storage.Store, pub events.Publisher, cfg *config.Config, reaper chan<- SuicideNotice) *Overseer {
	return &Overseer{
		threadID:   threadID,
		engineURI:  engineURI,
		plugin:     p,
		store:      store,
		pub:        pub,
		cfg:        cfg,
		reaper:     reaper,
		reqCh:      make(chan Request, 64),
		done:       make(chan struct{}),
		schedulers: make(map[types.SchedulerKey]*scheduler.Scheduler),
		subs:       make(map[types.SchedulerKey]map[types.CallerToken]bool),
	}
}

// Run starts the event loop in its own goroutine. The idle timer is
// armed immediately since the scheduler table starts empty.
func (o *Overseer) Run() {
	o.armIdle()
	go o.loop()
}

// Submit enqueues a control message for processing. If the overseer
// has already terminated, the request's future is answered with
// WorkerGone instead of being queued.
func (o *Overseer) Submit(req Request) {
	select {
	case <-o.done:
		req.reply(Reply{Err: types.NewError(types.KindWorkerGone, "overseer has terminated")})
		return
	default:
	}
	select {
	case o.reqCh <- req:
	case <-o.done:
		req.reply(Reply{Err: types.NewError(types.KindWorkerGone, "overseer has terminated")})
	}
}

// Fetch invokes the plugin, coalescing concurrent calls that land in
// the same fetch generation into a single plugin.Fetch invocation
// (spec §4.2 item 9). The generation advances every time a coalesced
// call completes, so the next round of triggers sees a fresh fetch.
func (o *Overseer) Fetch(ctx context.Context) (map[string][]byte, error) {
	o.mu.Lock()
	gen := o.fetchGen
	o.mu.Unlock()

	v, err, _ := o.sf.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		dict, err := o.plugin.Fetch(ctx)
		o.mu.Lock()
		o.fetchGen++
		o.mu.Unlock()
		return dict, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string][]byte), nil
}

func (o *Overseer) loop() {
	for {
		o.mu.Lock()
		idleC := o.idleC
		o.mu.Unlock()

		select {
		case req := <-o.reqCh:
			o.handle(req)
		case <-idleC:
			o.selfDestruct(nil)
			return
		case <-o.done:
			return
		}
	}
}

func (o *Overseer) handle(req Request) {
	switch req.Kind {
	case RequestAuto, RequestManual:
		key, err := o.schedule(req)
		req.reply(Reply{Key: key, Err: err})
	case RequestOnce:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		dict, err := o.Fetch(ctx)
		cancel()
		req.reply(Reply{Dict: dict, Err: err})
	case RequestStop:
		key := types.SchedulerKey(req.Args["key"])
		o.stopScheduler(key)
		req.reply(Reply{Key: key})
	case RequestTerminate:
		o.terminateAll()
		req.reply(Reply{})
		o.exit()
	}
}

func (o *Overseer) schedule(req Request) (types.SchedulerKey, error) {
	sched, key, err := o.buildScheduler(req)
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if _, ok := o.schedulers[key]; ok {
		o.addSub(key, req.Token)
		o.mu.Unlock()
		o.persist(key, req)
		return key, nil
	}
	o.mu.Unlock()

	// Start before table insertion: a scheduler that never gets
	// inserted leaves no orphan entry if Start were ever to fail.
	sched.Start()

	o.mu.Lock()
	o.schedulers[key] = sched
	o.addSub(key, req.Token)
	o.cancelIdleLocked()
	o.mu.Unlock()

	metrics.SchedulersActive.WithLabelValues(o.threadID, sched.Kind().String()).Inc()
	o.persist(key, req)
	return key, nil
}

func (o *Overseer) buildScheduler(req Request) (*scheduler.Scheduler, types.SchedulerKey, error) {
	onFail := func(key types.SchedulerKey, err error) {
		l := log.WithSchedulerKey(string(key))
		l.Error().Err(err).Msg("scheduler failed, overseer self-terminating")
		o.selfDestruct(err)
	}

	switch req.Kind {
	case RequestAuto:
		ms, err := strconv.ParseInt(req.Args["interval"], 10, 64)
		if err != nil || ms <= 0 {
			return nil, "", types.NewError(types.KindInvalidArgument, "auto requires a positive interval in milliseconds")
		}
		interval := time.Duration(ms) * time.Millisecond
		s, err := scheduler.NewAutomatic(o.plugin, o, interval, o.pub, onFail)
		if err != nil {
			return nil, "", err
		}
		return s, s.Key(), nil
	case RequestManual:
		s, err := scheduler.NewManual(o.plugin, o, o.pub, onFail)
		if err != nil {
			return nil, "", err
		}
		return s, s.Key(), nil
	default:
		return nil, "", types.NewError(types.KindInvalidArgument, "not a schedule request")
	}
}

// addSub must be called with mu held.
func (o *Overseer) addSub(key types.SchedulerKey, token types.CallerToken) {
	set, ok := o.subs[key]
	if !ok {
		set = make(map[types.CallerToken]bool)
		o.subs[key] = set
	}
	set[token] = true
}

func (o *Overseer) persist(key types.SchedulerKey, req Request) {
	if req.Transient {
		return
	}
	rec := types.PersistedRecord{
		URL:   o.engineURI,
		Args:  req.Args,
		Token: string(req.Token),
	}
	payload, err := events.EncodeRecord(rec)
	if err != nil {
		l := log.WithSchedulerKey(string(key))
		l.Error().Err(err).Msg("encode persisted record")
		return
	}
	digest := types.Digest(key, req.Token)
	created, err := o.store.PutIfAbsent(digest, payload)
	if err != nil {
		l := log.WithSchedulerKey(string(key))
		l.Error().Err(err).Msg("persist record")
		metrics.PersistWritesTotal.WithLabelValues("error").Inc()
		return
	}
	if created {
		metrics.PersistWritesTotal.WithLabelValues("written").Inc()
	} else {
		metrics.PersistWritesTotal.WithLabelValues("duplicate").Inc()
	}
}

// stopScheduler disposes the scheduler at key: it is stopped and removed
// from the table together with every caller subscribed to it, however
// many there are. Subscriptions are not counted down per caller. If the
// table is then empty, the idle timer is rearmed.
func (o *Overseer) stopScheduler(key types.SchedulerKey) {
	o.mu.Lock()
	sched, ok := o.schedulers[key]
	if !ok {
		o.mu.Unlock()
		return
	}
	delete(o.schedulers, key)
	delete(o.subs, key)
	empty := len(o.schedulers) == 0
	if empty {
		o.armIdleLocked()
	}
	o.mu.Unlock()

	metrics.SchedulersActive.WithLabelValues(o.threadID, sched.Kind().String()).Dec()
	sched.Stop()
}

func (o *Overseer) terminateAll() {
	o.mu.Lock()
	scheds := make([]*scheduler.Scheduler, 0, len(o.schedulers))
	for _, s := range o.schedulers {
		scheds = append(scheds, s)
	}
	o.schedulers = make(map[types.SchedulerKey]*scheduler.Scheduler)
	o.subs = make(map[types.SchedulerKey]map[types.CallerToken]bool)
	o.cancelIdleLocked()
	o.mu.Unlock()

	for _, s := range scheds {
		metrics.SchedulersActive.WithLabelValues(o.threadID, s.Kind().String()).Dec()
		s.Stop()
	}
}

// selfDestruct stops every scheduler, notifies the reaper, and exits
// the loop. reason is nil for an idle self-destruct and non-nil for a
// scheduler-failure self-destruct.
func (o *Overseer) selfDestruct(reason error) {
	o.terminateAll()
	if reason == nil {
		metrics.SuicidesTotal.WithLabelValues("idle").Inc()
	} else {
		metrics.SuicidesTotal.WithLabelValues("failure").Inc()
	}
	if o.reaper != nil {
		select {
		case o.reaper <- SuicideNotice{EngineURI: o.engineURI, ThreadID: o.threadID, Reason: reason}:
		default:
		}
	}
	o.exit()
}

func (o *Overseer) exit() {
	o.once.Do(func() { close(o.done) })
}

func (o *Overseer) armIdle() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armIdleLocked()
}

// armIdleLocked must be called with mu held.
func (o *Overseer) armIdleLocked() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	o.idleTimer = time.NewTimer(o.cfg.OverseerIdleInterval)
	o.idleC = o.idleTimer.C
}

// cancelIdleLocked must be called with mu held.
func (o *Overseer) cancelIdleLocked() {
	if o.idleTimer != nil {
		o.idleTimer.Stop()
	}
	o.idleTimer = nil
	o.idleC = nil
}

// String identifies the overseer in logs.
func (o *Overseer) String() string {
	return fmt.Sprintf("overseer(%s,%s)", o.threadID, o.engineURI)
}
