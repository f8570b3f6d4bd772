package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
)

// WebSocketTransport keeps one long-lived websocket to the collector.
type WebSocketTransport struct {
	url     string
	tokens  TokenSource
	timeout time.Duration
	dialer  *websocket.Dialer
	log     zerolog.Logger
}

func NewWebSocketTransport(url string, tokens TokenSource, timeout time.Duration, log zerolog.Logger) *WebSocketTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebSocketTransport{
		url:     url,
		tokens:  tokens,
		timeout: timeout,
		dialer:  &websocket.Dialer{HandshakeTimeout: timeout},
		log:     log.With().Str("transport", KindWebSocket).Logger(),
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if t.tokens != nil {
		tok, err := t.tokens.Token()
		if err != nil {
			return nil, NewCredentialsError(err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	ws, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return nil, ClassifyStatus(resp.StatusCode, "", "dial")
		}
		return nil, NewNetworkError("dial", err)
	}
	c := &wsConn{
		ws:      ws,
		timeout: t.timeout,
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
		log:     t.log,
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	log     zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan error
	cause   error
	once    sync.Once
	done    chan struct{}
}

func (c *wsConn) Send(ctx context.Context, ev model.SyncEvent) error {
	ch := make(chan error, 1)
	c.mu.Lock()
	if c.cause != nil {
		err := c.cause
		c.mu.Unlock()
		return NewNetworkError("send", err)
	}
	c.pending[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, Frame{Type: FrameEvent, ID: ev.ID, Event: &ev}); err != nil {
		c.fail(err)
		return NewNetworkError("send", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return NewNetworkError("await ack", ctx.Err())
	case <-c.done:
		return NewNetworkError("await ack", c.err())
	}
}

func (c *wsConn) Ping(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteControl(websocket.PingMessage, nil, c.deadline(ctx)); err != nil {
		c.fail(err)
		return NewNetworkError("ping", err)
	}
	return nil
}

func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.fail(errors.New("closed by client"))
	return nil
}

func (c *wsConn) write(ctx context.Context, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	return c.ws.WriteJSON(f)
}

func (c *wsConn) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.timeout)
}

func (c *wsConn) readLoop() {
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case FrameAck:
			c.resolve(f.ID, nil)
		case FrameNack:
			c.resolve(f.ID, ClassifyStatus(f.Status, f.Error, "deliver"))
		default:
			c.log.Debug().Str("frame", f.Type).Msg("ignoring unexpected frame")
		}
	}
}

func (c *wsConn) resolve(id string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (c *wsConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.cause = err
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *wsConn) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}
