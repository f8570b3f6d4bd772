package relay

import (
	"context"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/model"
)

// HTTPTransport posts each event to the collector. A "connection" is a
// successful authenticated session check; it lasts until a request fails at
// network level or the collector refuses the device credentials.
type HTTPTransport struct {
	client *resty.Client
	tokens TokenSource
	log    zerolog.Logger
}

func NewHTTPTransport(baseURL string, tokens TokenSource, timeout time.Duration, log zerolog.Logger) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &HTTPTransport{client: client, tokens: tokens, log: log.With().Str("transport", KindHTTP).Logger()}
}

func (t *HTTPTransport) Dial(ctx context.Context) (Conn, error) {
	c := &httpConn{t: t, done: make(chan struct{})}
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

type httpConn struct {
	t    *HTTPTransport
	once sync.Once
	done chan struct{}
}

func (c *httpConn) Send(ctx context.Context, ev model.SyncEvent) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.
		SetHeader("Idempotency-Key", ev.ID).
		SetBody(ev).
		Post("/events")
	return c.check(resp, err, "deliver")
}

// Ping checks the session with the device token, so a rejected key fails the
// dial instead of every later delivery.
func (c *httpConn) Ping(ctx context.Context) error {
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.Get("/session")
	return c.check(resp, err, "session")
}

func (c *httpConn) request(ctx context.Context) (*resty.Request, error) {
	req := c.t.client.R().SetContext(ctx)
	if c.t.tokens != nil {
		tok, err := c.t.tokens.Token()
		if err != nil {
			c.drop()
			return nil, NewCredentialsError(err)
		}
		req.SetAuthToken(tok)
	}
	return req, nil
}

// check classifies a response. Network and auth failures end the connection.
func (c *httpConn) check(resp *resty.Response, err error, operation string) error {
	if err != nil {
		c.drop()
		return NewNetworkError(operation, err)
	}
	if resp.IsError() {
		te := ClassifyStatus(resp.StatusCode(), resp.String(), operation)
		if IsAuthFailure(te) {
			c.drop()
		}
		return te
	}
	return nil
}

func (c *httpConn) Done() <-chan struct{} { return c.done }

func (c *httpConn) Close() error {
	c.drop()
	return nil
}

func (c *httpConn) drop() {
	c.once.Do(func() { close(c.done) })
}
