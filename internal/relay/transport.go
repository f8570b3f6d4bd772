package relay

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
)

// Transport opens connections to the collector.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open collector connection.
type Conn interface {
	// Send delivers ev and returns once the collector acknowledged it.
	Send(ctx context.Context, ev model.SyncEvent) error
	// Ping checks that the connection is still alive.
	Ping(ctx context.Context) error
	// Done is closed when the connection drops.
	Done() <-chan struct{}
	Close() error
}

// TokenSource supplies the bearer token for a connection attempt.
type TokenSource interface {
	Token() (string, error)
}

// Frame types on the sync websocket.
const (
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameNack  = "nack"
)

// Frame is one message on the sync websocket. The device sends event
// frames; the collector answers each with an ack or a nack carrying a status.
type Frame struct {
	Type      string           `json:"type"`
	ID        string           `json:"id,omitempty"`
	Event     *model.SyncEvent `json:"event,omitempty"`
	Status    int              `json:"status,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// Transport kinds.
const (
	KindWebSocket = "websocket"
	KindHTTP      = "http"
)

// NewTransport builds the transport named by kind for collectorURL. The HTTP
// transport accepts the websocket URL and derives its base from it.
func NewTransport(kind, collectorURL string, tokens TokenSource, timeout time.Duration, log zerolog.Logger) (Transport, error) {
	switch kind {
	case KindWebSocket, "":
		return NewWebSocketTransport(collectorURL, tokens, timeout, log), nil
	case KindHTTP:
		base, err := HTTPBaseURL(collectorURL)
		if err != nil {
			return nil, err
		}
		return NewHTTPTransport(base, tokens, timeout, log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// HTTPBaseURL maps ws://host/ws to http://host.
func HTTPBaseURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse collector url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported collector url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	return strings.TrimSuffix(u.String(), "/"), nil
}
