package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latticerun/forge/pkg/api"
	"github.com/latticerun/forge/pkg/config"
	"github.com/latticerun/forge/pkg/engine"
	"github.com/latticerun/forge/pkg/events"
	"github.com/latticerun/forge/pkg/plugin"
	"github.com/latticerun/forge/pkg/storage"
	"github.com/latticerun/forge/pkg/types"
)

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	cfg := config.Default()
	cfg.HeartbeatDeadline = time.Second
	cfg.IdleDeadline = time.Second

	registry := plugin.NewRegistry(map[types.Target]plugin.Instance{
		"demo-target": plugin.NewDemo("demo", false, time.Second),
	})
	store := storage.NewMemStore()
	pub := events.NoopPublisher{}

	e := engine.New("demo-target", registry, store, pub, cfg)
	e.Run()
	t.Cleanup(e.Close)

	return api.NewServer(map[types.Target]*engine.Engine{"demo-target": e}, store, pub)
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "healthy", resp.Status)
}

func TestReadyHandlerReportsReadyWithStoreAndPublisher(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp api.ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ready", resp.Status)
}

func TestPushHandlerDeliversChunk(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{
		"target": "demo-target",
	})
	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["chunks"])
}

func TestPushHandlerUnknownTargetReturns404(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"target": "no-such-target"})
	req := httptest.NewRequest(http.MethodPost, "/push", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleThenDropRoundTrip(t *testing.T) {
	s := newTestServer(t)

	scheduleBody, _ := json.Marshal(map[string]any{
		"target":    "demo-target",
		"kind":      "auto",
		"token":     "caller-1",
		"args":      map[string]string{"interval": "50"},
		"transient": true,
	})
	req := httptest.NewRequest(http.MethodPost, "/schedule", bytes.NewReader(scheduleBody))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sched map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sched))
	require.NotEmpty(t, sched["key"])

	dropBody, _ := json.Marshal(map[string]any{
		"target": "demo-target",
		"key":    sched["key"],
	})
	req = httptest.NewRequest(http.MethodPost, "/drop", bytes.NewReader(dropBody))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDropUnknownTargetReturns404(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(map[string]any{"target": "no-such-target", "key": "auto:x@1"})
	req := httptest.NewRequest(http.MethodPost, "/drop", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
