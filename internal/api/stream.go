package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greentrail/nudge-engine/internal/events"
)

const (
	streamBuffer    = 64
	streamWriteWait = 5 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API binds to localhost; the UI runs from an extension origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamEvents GET /api/events upgrades to a websocket and forwards every
// bus event (show_nudge, show_notification, proactive_alert,
// connection_status) as JSON.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("event stream upgrade")
		return
	}
	defer func() { _ = ws.Close() }()

	sub := h.eng.Bus().Subscribe(streamBuffer)
	defer sub.Close()
	streamClients.Inc()
	defer streamClients.Dec()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeEvent(ws, evt); err != nil {
				h.log.Debug().Err(err).Msg("event stream write")
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeEvent(ws *websocket.Conn, evt events.Event) error {
	_ = ws.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return ws.WriteJSON(evt)
}
