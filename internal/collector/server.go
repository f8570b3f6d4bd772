// Package collector is a stand-in for the remote analytics collector. It
// accepts sync events over HTTP and websocket and deduplicates them by id.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/api/recovery"
	"github.com/greentrail/nudge-engine/internal/api/respond"
	"github.com/greentrail/nudge-engine/internal/auth"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/relay"
)

const recentLimit = 1000

var errMalformed = errors.New("event needs id and type, and data must be JSON")

// Verifier checks device tokens.
type Verifier interface {
	Verify(token string) (auth.DeviceClaims, error)
}

// Stats summarizes what the collector received.
type Stats struct {
	Received   int64            `json:"received"`
	Accepted   int64            `json:"accepted"`
	Duplicates int64            `json:"duplicates"`
	Rejected   int64            `json:"rejected"`
	ByType     map[string]int64 `json:"byType"`
	Devices    []string         `json:"devices"`
}

// Server handles collector traffic.
type Server struct {
	store    IdempotencyStore
	verifier Verifier
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	stats   Stats
	devices map[string]struct{}
	recent  []model.SyncEvent
}

// NewServer creates a collector. A nil verifier accepts unauthenticated devices.
func NewServer(store IdempotencyStore, verifier Verifier, log zerolog.Logger) *Server {
	return &Server{
		store:    store,
		verifier: verifier,
		log:      log.With().Str("component", "collector").Logger(),
		stats:    Stats{ByType: make(map[string]int64)},
		devices:  make(map[string]struct{}),
	}
}

// Router wires the collector endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(recovery.New(s.log))
	r.HandleFunc("/events", s.handleEvent).Methods(http.MethodPost)
	r.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Accept validates and deduplicates one event. It returns whether the event
// was a duplicate.
func (s *Server) Accept(ctx context.Context, ev model.SyncEvent) (bool, error) {
	if ev.ID == "" || ev.Type == "" || (len(ev.Data) > 0 && !json.Valid(ev.Data)) {
		s.reject()
		return false, errMalformed
	}

	first, err := s.store.Claim(ctx, ev.ID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Received++
	if !first {
		s.stats.Duplicates++
		eventsTotal.WithLabelValues("duplicate").Inc()
		return true, nil
	}
	s.stats.Accepted++
	s.stats.ByType[ev.Type]++
	s.recent = append(s.recent, ev)
	if len(s.recent) > recentLimit {
		s.recent = s.recent[len(s.recent)-recentLimit:]
	}
	eventsTotal.WithLabelValues("accepted").Inc()
	return false, nil
}

func (s *Server) reject() {
	s.mu.Lock()
	s.stats.Received++
	s.stats.Rejected++
	s.mu.Unlock()
	eventsTotal.WithLabelValues("rejected").Inc()
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.ByType = make(map[string]int64, len(s.stats.ByType))
	for k, v := range s.stats.ByType {
		out.ByType[k] = v
	}
	out.Devices = make([]string, 0, len(s.devices))
	for d := range s.devices {
		out.Devices = append(out.Devices, d)
	}
	return out
}

// Recent returns the most recent accepted events, oldest first.
func (s *Server) Recent() []model.SyncEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SyncEvent(nil), s.recent...)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.verifier == nil {
		return "anonymous", nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return "", auth.ErrTokenInvalid
	}
	claims, err := s.verifier.Verify(token)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.devices[claims.DeviceID] = struct{}{}
	s.mu.Unlock()
	return claims.DeviceID, nil
}

type acceptResponse struct {
	ID        string `json:"id"`
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	device, err := s.authenticate(r)
	if err != nil {
		respond.WriteUnauthorized(w, err.Error())
		return
	}
	var ev model.SyncEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.reject()
		respond.WriteBadRequest(w, "invalid JSON body")
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && ev.ID == "" {
		ev.ID = key
	}
	dup, err := s.Accept(r.Context(), ev)
	switch {
	case errors.Is(err, errMalformed):
		respond.WriteBadRequest(w, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("event_id", ev.ID).Msg("claim event id")
		respond.WriteError(w, http.StatusServiceUnavailable, "dedup store unavailable")
		return
	}
	s.log.Debug().Str("device", device).Str("event_id", ev.ID).Bool("duplicate", dup).Msg("event received")
	respond.WriteJSON(w, http.StatusAccepted, acceptResponse{ID: ev.ID, Accepted: true, Duplicate: dup})
}

// handleSession lets request-based devices check their credentials before
// sending events.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	device, err := s.authenticate(r)
	if err != nil {
		respond.WriteUnauthorized(w, err.Error())
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]string{"device": device})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	device, err := s.authenticate(r)
	if err != nil {
		respond.WriteUnauthorized(w, err.Error())
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}
	defer ws.Close()
	connections.Inc()
	defer connections.Dec()
	s.log.Info().Str("device", device).Msg("device connected")

	for {
		var f relay.Frame
		if err := ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("device", device).Msg("websocket read")
			}
			return
		}
		reply := s.frameReply(r.Context(), f)
		_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := ws.WriteJSON(reply); err != nil {
			s.log.Debug().Err(err).Str("device", device).Msg("websocket write")
			return
		}
	}
}

func (s *Server) frameReply(ctx context.Context, f relay.Frame) relay.Frame {
	if f.Type != relay.FrameEvent || f.Event == nil {
		s.reject()
		return relay.Frame{Type: relay.FrameNack, ID: f.ID, Status: http.StatusBadRequest, Error: "expected an event frame"}
	}
	dup, err := s.Accept(ctx, *f.Event)
	switch {
	case errors.Is(err, errMalformed):
		return relay.Frame{Type: relay.FrameNack, ID: f.ID, Status: http.StatusBadRequest, Error: err.Error()}
	case err != nil:
		s.log.Error().Err(err).Str("event_id", f.ID).Msg("claim event id")
		return relay.Frame{Type: relay.FrameNack, ID: f.ID, Status: http.StatusServiceUnavailable, Error: "dedup store unavailable"}
	}
	return relay.Frame{Type: relay.FrameAck, ID: f.ID, Duplicate: dup}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respond.WriteJSON(w, http.StatusOK, s.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		respond.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
