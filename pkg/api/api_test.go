package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/clock"
	"github.com/facilityops/steritrack/pkg/config"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/events"
	"github.com/facilityops/steritrack/pkg/phase"
	"github.com/facilityops/steritrack/pkg/stats"
	"github.com/facilityops/steritrack/pkg/store"
	"github.com/facilityops/steritrack/pkg/timer"
)

type apiEnv struct {
	srv    *httptest.Server
	fake   *clock.Fake
	gate   *bi.Gate
	server *server
}

// newAPIEnv wires the full engine against a throwaway sqlite database
// and serves its router from an httptest server.
func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	fake := clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver: "sqlite",
			SQLite: config.SQLiteConfig{
				Path: filepath.Join(t.TempDir(), "api.db"),
			},
		},
		Facility: config.FacilityConfig{
			ID: "main",
			Tools: []config.ToolSeed{
				{ID: "t1", Name: "Scaler"},
				{ID: "t2", Name: "Curette", IsP2Status: true},
			},
		},
	}

	db := store.NewStore(log, &cfg.Database, fake)
	require.NoError(t, db.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, db.Stop())
	})

	require.NoError(t, db.SeedTools(context.Background(), "main", cfg.Facility.Tools))

	bus := events.NewBus(50)
	timers := timer.NewRegistry(log, fake, fake, bus)
	gate := bi.NewGate(log, fake, db, bus, bi.DefaultOfficeHours(), "main")
	manager := cycle.NewManager(
		log, fake, db, db, timers, bus, gate, "main",
		map[string]int{
			phase.Bath1:     1800,
			phase.Bath2:     1800,
			phase.Drying:    0,
			phase.Autoclave: 2700,
		},
	)
	statsSvc := stats.NewService(log, fake, db, "main")

	s := &server{
		log: log,
		cfg: cfg,
		engine: Engine{
			Manager: manager,
			Timers:  timers,
			Gate:    gate,
			Stats:   statsSvc,
			Bus:     bus,
		},
	}

	ts := httptest.NewServer(s.buildRouter())
	t.Cleanup(ts.Close)

	return &apiEnv{srv: ts, fake: fake, gate: gate, server: s}
}

func (e *apiEnv) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)

	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestConfigEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/config", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "main", body["facility_id"])
	assert.Len(t, body["phase_order"], 4)
}

func TestCycleLifecycleOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	// No cycle yet.
	resp, _ := env.do(t, http.MethodGet, "/api/v1/cycles/current", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Start one.
	resp, body := env.do(t, http.MethodPost, "/api/v1/cycles",
		`{"operator":"alice"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "CYCLE-20260302-1", body["cycle_number"])

	// Scan a tool into it.
	resp, body = env.do(t, http.MethodPost, "/api/v1/cycles/current/tools",
		`{"tool_id":"t1","operator":"alice"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"t1"}, body["tools"])

	// Walk the tool to completion.
	for i := 0; i < 4; i++ {
		resp, _ = env.do(t, http.MethodPost, "/api/v1/tools/t1/advance", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Finalize.
	resp, body = env.do(t, http.MethodPost, "/api/v1/cycles/current/finalize", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body["completed_at"])

	// History now holds the finished cycle.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/cycles", nil)
	require.NoError(t, err)

	histResp, err := env.srv.Client().Do(req)
	require.NoError(t, err)

	defer histResp.Body.Close()

	var history []map[string]any
	require.NoError(t, json.NewDecoder(histResp.Body).Decode(&history))
	assert.Len(t, history, 1)
}

func TestFinalizeConflictsWhileToolsRemain(t *testing.T) {
	env := newAPIEnv(t)

	_, _ = env.do(t, http.MethodPost, "/api/v1/cycles/current/tools",
		`{"tool_id":"t1"}`)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/cycles/current/finalize", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAddToolRequiresToolID(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/cycles/current/tools", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPhaseStartExposesTimer(t *testing.T) {
	env := newAPIEnv(t)

	// A BI pass today keeps the gate quiet.
	_, err := env.gate.RecordResult(context.Background(), "alice", bi.StatusPass, "")
	require.NoError(t, err)

	_, _ = env.do(t, http.MethodPost, "/api/v1/cycles/current/tools",
		`{"tool_id":"t1"}`)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/phases/bath1/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.fake.Advance(60 * time.Second)

	resp, body := env.do(t, http.MethodGet, "/api/v1/timers/bath1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1740), body["time_remaining"])
	assert.Equal(t, float64(60), body["elapsed_time"])
	assert.Equal(t, true, body["is_running"])
}

func TestUnknownTimerReturnsNotFound(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/v1/timers/bath1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBIWorkflowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	// Status starts overdue.
	resp, body := env.do(t, http.MethodGet, "/api/v1/bi-tests/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["overdue"])

	// Record a fail.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/bi-tests",
		`{"operator":"alice","status":"fail"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Same-day duplicate conflicts.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/bi-tests",
		`{"operator":"bob","status":"pass"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The standing fail locks the autoclave.
	_, _ = env.do(t, http.MethodPost, "/api/v1/cycles/current/tools",
		`{"tool_id":"t1"}`)

	resp, _ = env.do(t, http.MethodPost, "/api/v1/phases/autoclave/start", "")
	assert.Equal(t, http.StatusLocked, resp.StatusCode)

	// Bad status values are rejected up front.
	resp, _ = env.do(t, http.MethodPost, "/api/v1/bi-tests",
		`{"operator":"alice","status":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodGet, "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "efficiency_score")
	assert.Contains(t, body, "breakdown")

	// Inventory inputs arrive as query parameters.
	resp, body = env.do(t, http.MethodGet,
		"/api/v1/stats?stock_health=100&expiration_health=100&accuracy=100", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	breakdown, ok := body["breakdown"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(100), breakdown["inventory"])
}

func TestAlertsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/v1/bi-tests",
		`{"operator":"alice","status":"fail"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/v1/alerts", nil)
	require.NoError(t, err)

	alertResp, err := env.srv.Client().Do(req)
	require.NoError(t, err)

	defer alertResp.Body.Close()

	var alerts []map[string]any
	require.NoError(t, json.NewDecoder(alertResp.Body).Decode(&alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, events.TypeBITestFailedCritical, alerts[0]["type"])
}

func TestRateLimitOnCycleRoutes(t *testing.T) {
	env := newAPIEnv(t)

	// Rebuild the router with a tight limit on the same engine.
	cfg := *env.server.cfg
	cfg.Server.RateLimit = config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 2,
	}

	limited := &server{
		log:    env.server.log,
		cfg:    &cfg,
		engine: env.server.engine,
	}

	ts := httptest.NewServer(limited.buildRouter())
	defer ts.Close()

	codes := make([]int, 0, 4)

	for i := 0; i < 4; i++ {
		resp, err := ts.Client().Get(ts.URL + "/api/v1/cycles/current")
		require.NoError(t, err)
		resp.Body.Close()

		codes = append(codes, resp.StatusCode)
	}

	assert.Contains(t, codes, http.StatusTooManyRequests)
}
