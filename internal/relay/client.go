// Package relay forwards sync events to the remote collector with
// at-least-once delivery. Events wait in a bounded offline queue while the
// collector is unreachable; the connection is re-established with capped
// exponential backoff.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/greentrail/nudge-engine/internal/events"
	"github.com/greentrail/nudge-engine/internal/model"
	"github.com/greentrail/nudge-engine/internal/scheduler"
)

// Alarm tokens owned by the relay.
const (
	TokenPrefix    = "relay:"
	TokenReconnect = TokenPrefix + "reconnect"
	TokenHeartbeat = TokenPrefix + "heartbeat"
	TokenLiveness  = TokenPrefix + "liveness"
)

type Config struct {
	HeartbeatInterval    time.Duration
	LivenessInterval     time.Duration
	SendTimeout          time.Duration
	MaxReconnectAttempts int
	BatchSize            int
	MaxFlushFailures     int
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxFlushFailures <= 0 {
		c.MaxFlushFailures = 5
	}
}

// Status is a snapshot of the relay for stats and the UI.
type Status struct {
	State         model.ConnectionState `json:"state"`
	Connected     bool                  `json:"connected"`
	Attempts      int                   `json:"attempts"`
	QueueLength   int                   `json:"queueLength"`
	LastConnected *time.Time            `json:"lastConnected,omitempty"`
}

// Client owns the collector connection and the offline queue.
type Client struct {
	cfg       Config
	transport Transport
	queue     *Queue
	clock     scheduler.Clock
	sched     scheduler.Scheduler
	bus       *events.Bus
	log       zerolog.Logger

	mu            sync.Mutex
	state         model.ConnectionState
	conn          Conn
	attempts      int
	flushing      bool
	flushAgain    bool
	closed        bool
	lastConnected time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a disconnected client. A nil transport keeps every event in
// the offline queue.
func New(cfg Config, transport Transport, queue *Queue, clock scheduler.Clock, sched scheduler.Scheduler, bus *events.Bus, log zerolog.Logger) *Client {
	cfg.setDefaults()
	if clock == nil {
		clock = scheduler.SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		transport: transport,
		queue:     queue,
		clock:     clock,
		sched:     sched,
		bus:       bus,
		log:       log.With().Str("component", "relay").Logger(),
		state:     model.StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start restores the persisted queue, arms the liveness probe and connects
// in the background.
func (c *Client) Start(ctx context.Context) error {
	if err := c.queue.Load(ctx); err != nil {
		return fmt.Errorf("load offline queue: %w", err)
	}
	c.log.Info().Int("queued", c.queue.Len()).Msg("relay starting")
	if c.transport == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.schedule(c.cfg.LivenessInterval, TokenLiveness)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_ = c.Connect(c.ctx)
	}()
	return nil
}

// Connect dials the collector unless a connection exists or is being made.
// On success the offline queue is flushed before Connect returns.
func (c *Client) Connect(ctx context.Context) error {
	if c.transport == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != model.StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = model.StateConnecting
	status := c.statusLocked()
	c.mu.Unlock()
	c.publish(status)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	conn, err := c.transport.Dial(dctx)
	cancel()
	if err != nil {
		connectFailuresTotal.Inc()
		c.onDisconnected(nil, err)
		return err
	}
	if !c.onConnected(conn) {
		return ErrClosed
	}
	if _, err := c.Flush(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Msg("flush after connect")
	}
	return nil
}

func (c *Client) onConnected(conn Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.state = model.StateConnected
	c.conn = conn
	c.attempts = 0
	c.lastConnected = c.clock.Now()
	if c.sched != nil {
		c.sched.Cancel(TokenReconnect)
	}
	c.schedule(c.cfg.HeartbeatInterval, TokenHeartbeat)
	c.wg.Add(1)
	go c.watch(conn)
	status := c.statusLocked()
	c.mu.Unlock()

	connected.Set(1)
	c.publish(status)
	c.log.Info().Int("queued", status.QueueLength).Msg("connected to collector")
	return true
}

func (c *Client) watch(conn Conn) {
	defer c.wg.Done()
	select {
	case <-conn.Done():
		c.onDisconnected(conn, errors.New("connection dropped"))
	case <-c.ctx.Done():
	}
}

// onDisconnected moves to disconnected and schedules the next reconnect.
// A nil conn means a failed dial; a conn that is no longer current is stale.
func (c *Client) onDisconnected(conn Conn, cause error) {
	c.mu.Lock()
	if c.closed || (conn != nil && c.conn != conn) {
		c.mu.Unlock()
		return
	}
	old := c.conn
	c.conn = nil
	c.state = model.StateDisconnected
	if c.sched != nil {
		c.sched.Cancel(TokenHeartbeat)
	}
	delay, retrying := c.scheduleReconnectLocked()
	status := c.statusLocked()
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	connected.Set(0)
	c.publish(status)

	ev := c.log.Warn().Err(cause).Int("attempts", status.Attempts)
	if retrying {
		ev.Dur("retry_in", delay).Msg("collector connection lost")
	} else {
		ev.Msg("reconnect attempts exhausted, waiting for liveness probe")
	}
}

func (c *Client) scheduleReconnectLocked() (time.Duration, bool) {
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		return 0, false
	}
	d := Backoff(c.attempts)
	c.attempts++
	c.schedule(d, TokenReconnect)
	reconnectsTotal.Inc()
	return d, true
}

// IsAlarm reports whether token belongs to the relay.
func IsAlarm(token string) bool {
	return strings.HasPrefix(token, TokenPrefix)
}

// HandleAlarm runs the work for a relay alarm token.
func (c *Client) HandleAlarm(token string) bool {
	switch token {
	case TokenReconnect:
		_ = c.Connect(c.ctx)
	case TokenHeartbeat:
		c.heartbeat()
	case TokenLiveness:
		c.liveness()
	default:
		return false
	}
	return true
}

func (c *Client) heartbeat() {
	c.mu.Lock()
	if c.closed || c.state != model.StateConnected {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.schedule(c.cfg.HeartbeatInterval, TokenHeartbeat)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
	err := conn.Ping(ctx)
	cancel()
	if err != nil {
		c.onDisconnected(conn, err)
		return
	}
	if c.queue.Len() > 0 {
		if _, err := c.Flush(c.ctx); err != nil {
			c.log.Warn().Err(err).Msg("flush on heartbeat")
		}
	}
}

func (c *Client) liveness() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.schedule(c.cfg.LivenessInterval, TokenLiveness)
	probe := c.state == model.StateDisconnected && c.attempts >= c.cfg.MaxReconnectAttempts
	c.mu.Unlock()

	if probe {
		c.log.Debug().Msg("liveness probe reconnecting")
		_ = c.Connect(c.ctx)
	}
}

// Enqueue hands ev to the relay. When connected with an empty queue the
// event is delivered right away in the background; otherwise it is queued.
func (c *Client) Enqueue(ctx context.Context, ev model.SyncEvent) error {
	if ev.ID == "" || ev.Type == "" {
		return ErrInvalidEvent
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.clock.Now().UTC()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	isConnected := c.state == model.StateConnected
	direct := isConnected && !c.flushing && c.queue.Len() == 0
	if direct {
		c.flushing = true
		c.wg.Add(1)
		conn := c.conn
		c.mu.Unlock()
		go c.deliver(conn, ev)
		return nil
	}
	c.mu.Unlock()

	c.push(ctx, ev)
	if isConnected {
		c.kickFlush()
	}
	return nil
}

func (c *Client) deliver(conn Conn, ev model.SyncEvent) {
	defer c.wg.Done()
	err := c.send(c.ctx, conn, ev)
	switch {
	case err == nil:
	case IsIrrecoverable(err):
		c.log.Error().Err(err).Str("event_id", ev.ID).Msg("collector rejected event, dropping")
	default:
		c.log.Warn().Err(err).Str("event_id", ev.ID).Msg("direct delivery failed, queueing")
		c.push(context.WithoutCancel(c.ctx), ev)
		c.connLost(conn, err)
	}

	c.mu.Lock()
	again := c.flushAgain
	c.flushing = false
	c.flushAgain = false
	c.mu.Unlock()
	if again {
		c.kickFlush()
	}
}

func (c *Client) push(ctx context.Context, ev model.SyncEvent) {
	c.queue.Push(ctx, model.QueuedEvent{ID: ev.ID, Payload: ev, Timestamp: c.clock.Now().UTC(), Queued: true})
}

func (c *Client) kickFlush() {
	c.mu.Lock()
	if c.closed || c.state != model.StateConnected {
		c.mu.Unlock()
		return
	}
	if c.flushing {
		c.flushAgain = true
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.Flush(c.ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Warn().Err(err).Msg("background flush")
		}
	}()
}

// Flush delivers queued events in batches while connected. Failed events
// stay at the front; more than MaxFlushFailures consecutive failures abort
// the flush. It returns the number of events acknowledged.
func (c *Client) Flush(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.state != model.StateConnected || c.closed {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	if c.flushing {
		c.flushAgain = true
		c.mu.Unlock()
		return 0, nil
	}
	c.flushing = true
	c.mu.Unlock()

	total := 0
	for {
		n, err := c.flushOnce(ctx)
		total += n

		c.mu.Lock()
		if err == nil && c.flushAgain && c.state == model.StateConnected {
			c.flushAgain = false
			c.mu.Unlock()
			continue
		}
		c.flushing = false
		c.flushAgain = false
		c.mu.Unlock()

		if total > 0 {
			c.log.Debug().Int("delivered", total).Int("queued", c.queue.Len()).Msg("flushed offline queue")
		}
		return total, err
	}
}

func (c *Client) flushOnce(ctx context.Context) (int, error) {
	delivered, failures := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		c.mu.Lock()
		conn, ok := c.conn, c.state == model.StateConnected && !c.closed
		c.mu.Unlock()
		if !ok {
			return delivered, ErrNotConnected
		}

		batch := c.queue.Peek(c.cfg.BatchSize)
		if len(batch) == 0 {
			return delivered, nil
		}
		for _, qe := range batch {
			err := c.send(ctx, conn, qe.Payload)
			switch {
			case err == nil:
				c.queue.Remove(ctx, qe.ID)
				delivered++
				failures = 0
			case IsIrrecoverable(err):
				c.queue.Remove(ctx, qe.ID)
				failures = 0
				c.log.Error().Err(err).Str("event_id", qe.ID).Msg("collector rejected event, dropping")
			default:
				if c.connLost(conn, err) {
					return delivered, err
				}
				failures++
				if failures > c.cfg.MaxFlushFailures {
					flushAbortsTotal.Inc()
					c.log.Warn().Err(err).Int("failures", failures).Int("queued", c.queue.Len()).Msg("aborting flush")
					return delivered, err
				}
			}
		}
	}
}

// connLost disconnects when a failed send ended the session: the transport
// closed conn, or the collector refused the device credentials. The event
// stays queued either way.
func (c *Client) connLost(conn Conn, err error) bool {
	select {
	case <-conn.Done():
	default:
		if !IsAuthFailure(err) {
			return false
		}
	}
	c.onDisconnected(conn, err)
	return true
}

func (c *Client) send(ctx context.Context, conn Conn, ev model.SyncEvent) error {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()
	start := time.Now()
	err := conn.Send(sctx, ev)
	sendDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		deliveredTotal.Inc()
	case IsIrrecoverable(err):
		droppedTotal.Inc()
	default:
		sendFailuresTotal.Inc()
	}
	return err
}

// Status returns the connection state and queue length.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Client) statusLocked() Status {
	s := Status{
		State:       c.state,
		Connected:   c.state == model.StateConnected,
		Attempts:    c.attempts,
		QueueLength: c.queue.Len(),
	}
	if !c.lastConnected.IsZero() {
		t := c.lastConnected
		s.LastConnected = &t
	}
	return s
}

// QueuedIDs lists queued event ids, oldest first.
func (c *Client) QueuedIDs() []string {
	return c.queue.IDs()
}

// Close drops the connection, cancels relay alarms and waits for background
// deliveries. Queued events stay persisted.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = model.StateDisconnected
	if c.sched != nil {
		c.sched.Cancel(TokenReconnect)
		c.sched.Cancel(TokenHeartbeat)
		c.sched.Cancel(TokenLiveness)
	}
	status := c.statusLocked()
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	connected.Set(0)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("relay shutdown: %w", ctx.Err())
	}
	c.publish(status)
	c.log.Info().Int("queued", status.QueueLength).Msg("relay closed")
	return nil
}

func (c *Client) schedule(d time.Duration, token string) {
	if c.sched == nil {
		return
	}
	c.sched.ScheduleAt(c.clock.Now().Add(d), token)
}

func (c *Client) publish(s Status) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.KindConnectionStatus, events.ConnectionStatus{
		Connected: s.Connected,
		State:     string(s.State),
		Attempts:  s.Attempts,
	})
}
