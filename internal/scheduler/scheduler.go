// Package scheduler delivers named alarms at wall-clock times.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler fires a token at a point in time. Scheduling a token that is
// already pending replaces it.
type Scheduler interface {
	ScheduleAt(at time.Time, token string)
	Cancel(token string)
}

// Handler receives fired tokens.
type Handler func(token string)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Timers is a Scheduler backed by time.AfterFunc.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]alarm
	gen     uint64
	handler Handler
	log     zerolog.Logger
	closed  bool
}

type alarm struct {
	timer *time.Timer
	gen   uint64
}

func NewTimers(log zerolog.Logger) *Timers {
	return &Timers{
		timers: make(map[string]alarm),
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// SetHandler installs the callback for fired tokens.
func (t *Timers) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Timers) ScheduleAt(at time.Time, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[token]; ok {
		old.timer.Stop()
	}
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	t.gen++
	gen := t.gen
	t.timers[token] = alarm{timer: time.AfterFunc(d, func() { t.fire(token, gen) }), gen: gen}
	t.log.Debug().Str("token", token).Time("at", at).Msg("alarm scheduled")
}

func (t *Timers) Cancel(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.timers[token]; ok {
		a.timer.Stop()
		delete(t.timers, token)
	}
}

// Pending reports the number of scheduled alarms.
func (t *Timers) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every pending alarm. Later ScheduleAt calls are ignored.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for token, a := range t.timers {
		a.timer.Stop()
		delete(t.timers, token)
	}
	t.closed = true
}

func (t *Timers) fire(token string, gen uint64) {
	t.mu.Lock()
	// A replaced timer may still fire once; only the current one counts.
	if cur, ok := t.timers[token]; !ok || cur.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, token)
	h := t.handler
	t.mu.Unlock()

	if h == nil {
		t.log.Warn().Str("token", token).Msg("alarm fired with no handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error().Str("token", token).Interface("panic", r).Msg("alarm handler panicked")
		}
	}()
	h(token)
}
