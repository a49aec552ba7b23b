package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/facilityops/steritrack/pkg/bi"
	"github.com/facilityops/steritrack/pkg/cycle"
	"github.com/facilityops/steritrack/pkg/phase"
	"github.com/facilityops/steritrack/pkg/stats"
	"github.com/facilityops/steritrack/pkg/timer"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfig returns the public facility configuration.
func (s *server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	hours := s.cfg.OfficeHours()

	days := make([]string, 0, len(hours.WorkingDays))
	for day, working := range hours.WorkingDays {
		if working {
			days = append(days, day.String())
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"facility_id":     s.cfg.Facility.ID,
		"phase_order":     phase.Order,
		"phase_durations": s.cfg.PhaseDurations(),
		"office_hours": map[string]any{
			"working_days": days,
			"start_hour":   hours.StartHour,
			"end_hour":     hours.EndHour,
		},
	})
}

// --- Cycle handlers ---

type startCycleRequest struct {
	Operator string `json:"operator"`
}

func (s *server) handleStartCycle(w http.ResponseWriter, r *http.Request) {
	var req startCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	c, err := s.engine.Manager.StartNewCycle(r.Context(), req.Operator)
	if err != nil {
		s.log.WithError(err).Error("Failed to start cycle")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to start cycle"})

		return
	}

	writeJSON(w, http.StatusCreated, c)
}

func (s *server) handleCurrentCycle(w http.ResponseWriter, _ *http.Request) {
	c := s.engine.Manager.CurrentCycle()
	if c == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"no current cycle"})

		return
	}

	writeJSON(w, http.StatusOK, c)
}

func (s *server) handleCycleHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Manager.LoadHistory(
		r.Context(), s.cfg.Facility.ID,
	); err != nil {
		s.log.WithError(err).Warn("History refresh failed")
	}

	writeJSON(w, http.StatusOK, s.engine.Manager.History())
}

func (s *server) handleFinalizeCycle(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Manager.FinalizeCycle(r.Context())

	switch {
	case errors.Is(err, cycle.ErrNoCurrentCycle):
		writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})
	case errors.Is(err, cycle.ErrCycleNotComplete):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case err != nil:
		s.log.WithError(err).Error("Failed to finalize cycle")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to finalize cycle"})
	default:
		writeJSON(w, http.StatusOK, c)
	}
}

type addToolRequest struct {
	ToolID   string `json:"tool_id"`
	Operator string `json:"operator"`
}

func (s *server) handleAddTool(w http.ResponseWriter, r *http.Request) {
	var req addToolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToolID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{"tool_id is required"})

		return
	}

	if err := s.engine.Manager.AddTool(
		r.Context(), req.ToolID, req.Operator,
	); err != nil {
		s.log.WithError(err).Error("Failed to add tool")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to add tool"})

		return
	}

	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

// --- Phase handlers ---

func (s *server) handleStartPhase(w http.ResponseWriter, r *http.Request) {
	phaseID := chi.URLParam(r, "id")

	err := s.engine.Manager.StartPhase(r.Context(), phaseID)

	switch {
	case errors.Is(err, bi.ErrFailBlocked):
		writeJSON(w, http.StatusLocked, errorResponse{err.Error()})
	case errors.Is(err, timer.ErrInvalidDuration):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case err != nil:
		s.log.WithError(err).Error("Failed to start phase")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to start phase"})
	default:
		writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
	}
}

func (s *server) handleCompletePhase(w http.ResponseWriter, r *http.Request) {
	s.engine.Manager.CompletePhase(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

func (s *server) handlePausePhase(w http.ResponseWriter, r *http.Request) {
	s.engine.Manager.PausePhase(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

func (s *server) handleResumePhase(w http.ResponseWriter, r *http.Request) {
	s.engine.Manager.ResumePhase(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

func (s *server) handleResetPhase(w http.ResponseWriter, r *http.Request) {
	s.engine.Manager.ResetPhase(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

func (s *server) handleAdvancePhase(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Manager.AdvancePhaseTools(
		r.Context(), chi.URLParam(r, "id"),
	); err != nil {
		s.log.WithError(err).Error("Failed to advance phase tools")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to advance phase tools"})

		return
	}

	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

func (s *server) handleCancelPhase(w http.ResponseWriter, r *http.Request) {
	s.engine.Manager.CancelPhase(r.Context(), chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

// --- Timer handlers ---

func (s *server) handleTimers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Timers.Snapshots())
}

func (s *server) handleTimer(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.engine.Timers.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{"no such timer"})

		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// --- Tool handlers ---

func (s *server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.engine.Stats.Tools(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list tools")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list tools"})

		return
	}

	writeJSON(w, http.StatusOK, tools)
}

func (s *server) handleAdvanceTool(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Manager.MoveToolToNextPhase(
		r.Context(), chi.URLParam(r, "id"),
	); err != nil {
		s.log.WithError(err).Error("Failed to advance tool")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to advance tool"})

		return
	}

	writeJSON(w, http.StatusOK, s.engine.Manager.CurrentCycle())
}

// --- BI handlers ---

type recordBITestRequest struct {
	Operator string `json:"operator"`
	Status   string `json:"status"`
	CycleID  string `json:"cycle_id,omitempty"`
}

func (s *server) handleRecordBITest(w http.ResponseWriter, r *http.Request) {
	var req recordBITestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"invalid request body"})

		return
	}

	switch req.Status {
	case bi.StatusPass, bi.StatusFail, bi.StatusSkip, bi.StatusInProgress:
	default:
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"status must be pass, fail, skip or in_progress"})

		return
	}

	result, err := s.engine.Gate.RecordResult(
		r.Context(), req.Operator, req.Status, req.CycleID,
	)

	switch {
	case errors.Is(err, bi.ErrAlreadyTestedToday):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	case err != nil:
		s.log.WithError(err).Error("Failed to record BI test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to record BI test"})
	default:
		writeJSON(w, http.StatusCreated, result)
	}
}

func (s *server) handleBIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Gate.Status(r.Context()))
}

// --- Stats and alerts ---

// handleStats computes the derived statistics. Inventory health inputs
// are optional query parameters supplied by the inventory module.
func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	var inventory *stats.InventoryMetrics

	q := r.URL.Query()
	if q.Has("stock_health") || q.Has("expiration_health") || q.Has("accuracy") {
		inventory = &stats.InventoryMetrics{
			StockHealth:      parseFloat(q.Get("stock_health")),
			ExpirationHealth: parseFloat(q.Get("expiration_health")),
			Accuracy:         parseFloat(q.Get("accuracy")),
		}
	}

	result, err := s.engine.Stats.CycleStats(r.Context(), inventory)
	if err != nil {
		s.log.WithError(err).Error("Failed to compute stats")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to compute stats"})

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Bus.Recent())
}

func parseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}

	return f
}
