// Package api is the local HTTP surface the UI and page observer call.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/api/respond"
	"github.com/greentrail/nudge-engine/internal/engine"
	"github.com/greentrail/nudge-engine/internal/model"
)

const maxBodyBytes = 1 << 20

// HealthSource reports cached service health.
type HealthSource interface {
	IsHealthy() bool
	Components() map[string]bool
}

// Handler serves the engine over HTTP.
type Handler struct {
	eng    *engine.Engine
	health HealthSource
	log    zerolog.Logger
}

func NewHandler(eng *engine.Engine, health HealthSource, log zerolog.Logger) *Handler {
	return &Handler{eng: eng, health: health, log: log.With().Str("component", "api").Logger()}
}

// HandleMessage POST /api/messages
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respond.WriteBadRequest(w, "unreadable body")
		return
	}
	res := h.eng.HandleMessage(r.Context(), raw)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	respond.WriteJSON(w, status, res)
}

// ReportAction POST /api/actions/{kind}
func (h *Handler) ReportAction(w http.ResponseWriter, r *http.Request) {
	kind := mux.Vars(r)["kind"]
	var req engine.ActionPayload
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.eng.ReportAction(r.Context(), kind, req)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, res)
}

// RecordResponse POST /api/responses
func (h *Handler) RecordResponse(w http.ResponseWriter, r *http.Request) {
	var req engine.ResponsePayload
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := h.eng.RecordResponse(r.Context(), req)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, res)
}

// GetStats GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.eng.GetStats(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, stats)
}

// GetSettings GET /api/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.eng.Settings(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, s)
}

// PatchSettings PATCH /api/settings
func (h *Handler) PatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch model.SettingsPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	s, err := h.eng.SetSettings(r.Context(), patch)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, s)
}

// ListDelays GET /api/delays
func (h *Handler) ListDelays(w http.ResponseWriter, r *http.Request) {
	active, err := h.eng.ActiveDelays(r.Context())
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{"delays": active, "count": len(active)})
}

// CompleteDelay POST /api/delays/{delayId}/complete
func (h *Handler) CompleteDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome string `json:"outcome" validate:"required,oneof=purchased skipped alternative"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := h.eng.CompleteDelay(r.Context(), mux.Vars(r)["delayId"], req.Outcome)
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, ev)
}

// ExtendDelay POST /api/delays/{delayId}/extend
func (h *Handler) ExtendDelay(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.ExtendDelay(r.Context(), mux.Vars(r)["delayId"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, rec)
}

// FireAlarm POST /api/alarms/{token}
func (h *Handler) FireAlarm(w http.ResponseWriter, r *http.Request) {
	handled, err := h.eng.AlarmFired(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]bool{"handled": handled})
}

// ClearProfile DELETE /api/profile
func (h *Handler) ClearProfile(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.ClearProfile(r.Context()); err != nil {
		respond.WriteDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckHealth GET /api/health
// Always returns 200; the body reports healthy or unhealthy.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status := "unhealthy"
	var components map[string]bool
	if h.health == nil || h.health.IsHealthy() {
		status = "healthy"
	}
	if h.health != nil {
		components = h.health.Components()
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"components": components,
		"sync":       h.eng.Relay().Status(),
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// decodeBody reads a JSON body into dst and validates its tags. It writes
// the 400 itself and reports false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		respond.WriteBadRequest(w, "Invalid JSON")
		return false
	}
	if err := engine.Validate(dst); err != nil {
		respond.WriteBadRequest(w, err.Error())
		return false
	}
	return true
}
