package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greentrail/nudge-engine/internal/config"
	"github.com/greentrail/nudge-engine/internal/engine"
	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/scheduler/schedulertest"
	"github.com/greentrail/nudge-engine/internal/store/memory"
)

type staticHealth struct{ ok bool }

func (s staticHealth) IsHealthy() bool              { return s.ok }
func (s staticHealth) Components() map[string]bool { return map[string]bool{"store": s.ok} }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	clock := schedulertest.New(time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC))
	eng, err := engine.Assemble(engine.Wiring{
		Config:    config.NewForTesting(),
		Store:     memory.New(),
		Clock:     clock,
		Scheduler: clock,
		Bus:       events.NewBus(),
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	clock.SetHandler(eng.HandleAlarm)
	require.NoError(t, eng.Start(context.Background()))

	srv := httptest.NewServer(NewRouter(NewHandler(eng, staticHealth{ok: true}, zerolog.Nop())))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Close(context.Background())
	})
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

var jacket = map[string]interface{}{
	"url":        "https://shop.example/p/jacket",
	"title":      "Down jacket",
	"category":   "clothing",
	"price":      100,
	"emissionKg": 25,
}

func TestActionResponseDelayFlow(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/actions/product_view", jacket)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["show"], "body: %v", body)
	nudge := body["nudge"].(map[string]interface{})
	assert.Equal(t, "delay_purchase", nudge["type"])
	id := nudge["interactionId"].(string)

	resp, body = do(t, srv, http.MethodPost, "/api/responses", map[string]interface{}{"interactionId": id, "response": "accepted"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	delayID := body["delay"].(map[string]interface{})["delayId"].(string)

	resp, body = do(t, srv, http.MethodGet, "/api/delays", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = do(t, srv, http.MethodPost, "/api/delays/"+delayID+"/extend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = do(t, srv, http.MethodPost, "/api/delays/"+delayID+"/complete", map[string]string{"outcome": "skipped"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 25.0, body["co2Saved"], 1e-9)

	resp, _ = do(t, srv, http.MethodPost, "/api/delays/"+delayID+"/complete", map[string]string{"outcome": "skipped"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = do(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := body["profile"].(map[string]interface{})
	assert.EqualValues(t, 1, profile["accepted"])
	assert.InDelta(t, 25.0, profile["co2SavedKg"], 1e-9)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"unknown action kind", http.MethodPost, "/api/actions/hover", jacket, http.StatusBadRequest},
		{"invalid json", http.MethodPost, "/api/responses", "{", http.StatusBadRequest},
		{"missing interaction", http.MethodPost, "/api/responses", map[string]string{"interactionId": "nope", "response": "accepted"}, http.StatusNotFound},
		{"bad response type", http.MethodPost, "/api/responses", map[string]string{"interactionId": "nope", "response": "maybe"}, http.StatusBadRequest},
		{"unknown delay", http.MethodPost, "/api/delays/nope/complete", map[string]string{"outcome": "skipped"}, http.StatusNotFound},
		{"bad outcome", http.MethodPost, "/api/delays/nope/complete", map[string]string{"outcome": "lost"}, http.StatusBadRequest},
		{"negative price", http.MethodPost, "/api/actions/product_view", map[string]interface{}{"price": -5}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestMessagesEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/messages", map[string]interface{}{"type": "get_stats"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = do(t, srv, http.MethodPost, "/api/messages", map[string]interface{}{"type": "self_destruct"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "unknown message type")
}

func TestSettingsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["travel"])

	resp, body = do(t, srv, http.MethodPatch, "/api/settings", map[string]bool{"travel": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["travel"])
	assert.Equal(t, true, body["product"])

	resp, body = do(t, srv, http.MethodPost, "/api/actions/travel_search", map[string]interface{}{"category": "travel", "emissionKg": 300})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["show"])
	assert.Equal(t, engine.ReasonDetectorDisabled, body["reason"])
}

func TestAlarmsAndProfile(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodPost, "/api/alarms/snooze:unknown", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["handled"])

	resp, _ = do(t, srv, http.MethodDelete, "/api/profile", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]interface{}{"store": true}, body["components"])

	mresp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = mresp.Body.Close() }()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	// The subscription is registered after the upgrade returns.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	time.Sleep(50 * time.Millisecond)
	resp, _ := do(t, srv, http.MethodPost, "/api/actions/product_view", jacket)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var evt struct {
		Kind    string                 `json:"kind"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, ws.ReadJSON(&evt))
	assert.Equal(t, string(events.KindShowNudge), evt.Kind)
	assert.Equal(t, "delay_purchase", evt.Payload["type"])
}
