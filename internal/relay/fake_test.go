package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/greentrail/nudge-engine/internal/model"
)

type fakeTransport struct {
	mu      sync.Mutex
	dialErr error
	dials   int
	conns   []*fakeConn
	sendErr func(model.SyncEvent) error
}

func (f *fakeTransport) Dial(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	c := &fakeConn{sendErr: f.sendErr, done: make(chan struct{})}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) setDialErr(err error) {
	f.mu.Lock()
	f.dialErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) last() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type fakeConn struct {
	mu      sync.Mutex
	sent    []string
	sends   int
	sendErr func(model.SyncEvent) error
	pingErr error
	once    sync.Once
	done    chan struct{}
}

func (c *fakeConn) Send(_ context.Context, ev model.SyncEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	select {
	case <-c.done:
		return NewNetworkError("send", errors.New("closed"))
	default:
	}
	if c.sendErr != nil {
		if err := c.sendErr(ev); err != nil {
			return err
		}
	}
	c.sent = append(c.sent, ev.ID)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

func (c *fakeConn) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}
