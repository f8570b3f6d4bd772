// Package schedulertest provides a manually advanced clock and scheduler.
package schedulertest

import (
	"sort"
	"sync"
	"time"
)

// Fake implements scheduler.Clock and scheduler.Scheduler. Alarms fire
// synchronously from Advance, in time order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	alarms  map[string]time.Time
	handler func(token string)
	fired   []string
}

// New returns a Fake starting at start.
func New(start time.Time) *Fake {
	return &Fake{now: start, alarms: make(map[string]time.Time)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) SetHandler(h func(token string)) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) ScheduleAt(at time.Time, token string) {
	f.mu.Lock()
	f.alarms[token] = at
	f.mu.Unlock()
}

func (f *Fake) Cancel(token string) {
	f.mu.Lock()
	delete(f.alarms, token)
	f.mu.Unlock()
}

// Pending returns the fire time of token.
func (f *Fake) Pending(token string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.alarms[token]
	return at, ok
}

// Fired lists tokens fired so far.
func (f *Fake) Fired() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fired...)
}

// Set moves the clock without firing alarms.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// Advance moves the clock forward by d and fires every alarm due by then.
// Handlers may schedule further alarms; those fire too if already due.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		token, at, ok := f.nextDue(target)
		if !ok {
			f.now = target
			f.mu.Unlock()
			return
		}
		delete(f.alarms, token)
		if at.After(f.now) {
			f.now = at
		}
		f.fired = append(f.fired, token)
		h := f.handler
		f.mu.Unlock()

		if h != nil {
			h(token)
		}
	}
}

func (f *Fake) nextDue(target time.Time) (string, time.Time, bool) {
	type due struct {
		token string
		at    time.Time
	}
	var list []due
	for token, at := range f.alarms {
		if !at.After(target) {
			list = append(list, due{token, at})
		}
	}
	if len(list) == 0 {
		return "", time.Time{}, false
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].at.Equal(list[j].at) {
			return list[i].token < list[j].token
		}
		return list[i].at.Before(list[j].at)
	})
	return list[0].token, list[0].at, true
}
