// Package api exposes the engine/overseer/slave core over plain HTTP,
// one JSON endpoint per public engine operation (push, schedule, drop),
// plus health, readiness, and Prometheus scrape endpoints. It replaces
// the teacher's gRPC service: hand-authoring generated protobuf/gRPC
// bindings without a protoc toolchain in this environment is unsafe to
// ship, so the control surface here is a thin net/http.ServeMux
// following the teacher's own health-server pattern (pkg/api/health.go)
// generalized to the whole API rather than just liveness.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/latticerun/forge/pkg/engine"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/metrics"
	"github.com/latticerun/forge/pkg/overseer"
	"github.com/latticerun/forge/pkg/slave"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/types"
)

// Server exposes a set of target-scoped engines over HTTP.
type Server struct {
	engines map[types.Target]*engine.Engine
	store   storage.Store
	pub     events.Publisher
	mux     *http.ServeMux
	http    *http.Server
}

// NewServer builds the HTTP mux. engines maps target name to the
// engine instance serving it; store and pub back the readiness checks.
func NewServer(engines map[types.Target]*engine.Engine, store storage.Store, pub events.Publisher) *Server {
	s := &Server{engines: engines, store: store, pub: pub, mux: http.NewServeMux()}

	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/push", s.pushHandler)
	s.mux.HandleFunc("/schedule", s.scheduleHandler)
	s.mux.HandleFunc("/drop", s.dropHandler)

	return s
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler returns the mux for embedding or testing.
func (s *Server) Handler() http.Handler { return s.mux }

type pushRequest struct {
	Target   string `json:"target"`
	ThreadID string `json:"thread_id"`
	Payload  []byte `json:"payload"`
	WaitFor  string `json:"wait_for"` // accepted but not read: pushHandler always returns on the first chunk or the close
}

type pushResponse struct {
	SessionID uint64        `json:"session_id"`
	Chunks    []string      `json:"chunks,omitempty"`
	Error     *errorPayload `json:"error,omitempty"`
}

// collectingSink buffers a session's chunks so the HTTP handler can
// return them once the first chunk arrives, the session closes, or a
// deadline elapses, whichever comes first.
type collectingSink struct {
	chunks chan []byte
	errs   chan error
	closed chan struct{}
}

func newCollectingSink() *collectingSink {
	return &collectingSink{chunks: make(chan []byte, 64), errs: make(chan error, 1), closed: make(chan struct{}, 1)}
}

func (c *collectingSink) Chunk(data []byte) { c.chunks <- data }
func (c *collectingSink) Fail(err error)    { c.errs <- err }
func (c *collectingSink) Close()            { c.closed <- struct{}{} }

var _ slave.SessionSink = (*collectingSink)(nil)

func (s *Server) pushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.KindInvalidArgument, err.Error()))
		return
	}

	eng, ok := s.engines[types.Target(req.Target)]
	if !ok {
		writeError(w, http.StatusNotFound, types.NewError(types.KindNotFound, "unknown target"))
		return
	}

	sink := newCollectingSink()
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	sid, err := eng.Push(ctx, req.ThreadID, sink, req.Payload)
	if err != nil {
		writeError(w, statusFor(types.KindOf(err)), err)
		return
	}

	var chunks []string
	select {
	case <-sink.closed:
		drain := true
		for drain {
			select {
			case c := <-sink.chunks:
				chunks = append(chunks, string(c))
			default:
				drain = false
			}
		}
	case c := <-sink.chunks:
		chunks = append(chunks, string(c))
	case err := <-sink.errs:
		writeError(w, statusFor(types.KindOf(err)), err)
		return
	case <-ctx.Done():
	}

	writeJSON(w, http.StatusOK, pushResponse{SessionID: uint64(sid), Chunks: chunks})
}

type scheduleRequest struct {
	Target    string            `json:"target"`
	ThreadID  string            `json:"thread_id"`
	Kind      string            `json:"kind"` // "auto", "manual", "once"
	Token     string            `json:"token"`
	Args      map[string]string `json:"args"`
	Transient bool              `json:"transient"`
}

type scheduleResponse struct {
	Key   string            `json:"key,omitempty"`
	Dict  map[string]string `json:"dict,omitempty"`
	Error *errorPayload     `json:"error,omitempty"`
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.KindInvalidArgument, err.Error()))
		return
	}

	eng, ok := s.engines[types.Target(req.Target)]
	if !ok {
		writeError(w, http.StatusNotFound, types.NewError(types.KindNotFound, "unknown target"))
		return
	}

	kind, err := parseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	key, dict, err := eng.Schedule(req.ThreadID, kind, types.CallerToken(req.Token), req.Args, req.Transient)
	if err != nil {
		writeError(w, statusFor(types.KindOf(err)), err)
		return
	}

	resp := scheduleResponse{Key: string(key)}
	if len(dict) > 0 {
		resp.Dict = make(map[string]string, len(dict))
		for k, v := range dict {
			resp.Dict[k] = string(v)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseKind(s string) (overseer.RequestKind, error) {
	switch s {
	case "auto":
		return overseer.RequestAuto, nil
	case "manual":
		return overseer.RequestManual, nil
	case "once":
		return overseer.RequestOnce, nil
	default:
		return 0, types.NewError(types.KindInvalidArgument, "unknown schedule kind "+s)
	}
}

type dropRequest struct {
	Target   string `json:"target"`
	ThreadID string `json:"thread_id"`
	Key      string `json:"key"`
}

func (s *Server) dropHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.NewError(types.KindInvalidArgument, err.Error()))
		return
	}

	eng, ok := s.engines[types.Target(req.Target)]
	if !ok {
		writeError(w, http.StatusNotFound, types.NewError(types.KindNotFound, "unknown target"))
		return
	}

	if err := eng.Drop(req.ThreadID, types.SchedulerKey(req.Key)); err != nil {
		writeError(w, statusFor(types.KindOf(err)), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]*errorPayload{
		"error": {Kind: types.KindOf(err).String(), Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind types.Kind) int {
	switch kind {
	case types.KindInvalidArgument, types.KindCapabilityMissing:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindWorkerGone, types.KindTransport, types.KindPluginFailure:
		return http.StatusBadGateway
	case types.KindOverloaded:
		return http.StatusTooManyRequests
	case types.KindCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
