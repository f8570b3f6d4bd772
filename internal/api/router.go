package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greentrail/nudge-engine/internal/api/recovery"
)

// NewRouter registers every local API route on a fresh router.
func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()

	// Global middlewares
	router.Use(recovery.New(h.log))

	// Health and metrics
	router.HandleFunc("/api/health", h.CheckHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Envelope endpoint used by the extension UI
	router.HandleFunc("/api/messages", h.HandleMessage).Methods("POST")

	// Page observer and UI callbacks
	router.HandleFunc("/api/actions/{kind}", h.ReportAction).Methods("POST")
	router.HandleFunc("/api/responses", h.RecordResponse).Methods("POST")
	router.HandleFunc("/api/alarms/{token}", h.FireAlarm).Methods("POST")

	// Stats, settings and profile
	router.HandleFunc("/api/stats", h.GetStats).Methods("GET")
	router.HandleFunc("/api/settings", h.GetSettings).Methods("GET")
	router.HandleFunc("/api/settings", h.PatchSettings).Methods("PATCH")
	router.HandleFunc("/api/profile", h.ClearProfile).Methods("DELETE")

	// Cooling-off delays
	router.HandleFunc("/api/delays", h.ListDelays).Methods("GET")
	router.HandleFunc("/api/delays/{delayId}/complete", h.CompleteDelay).Methods("POST")
	router.HandleFunc("/api/delays/{delayId}/extend", h.ExtendDelay).Methods("POST")

	// Outbound event stream
	router.HandleFunc("/api/events", h.StreamEvents).Methods("GET")

	return router
}
