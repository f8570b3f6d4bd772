package scheduler

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_FiresToken(t *testing.T) {
	tm := NewTimers(zerolog.Nop())
	fired := make(chan string, 1)
	tm.SetHandler(func(token string) { fired <- token })

	tm.ScheduleAt(time.Now().Add(10*time.Millisecond), "delay:abc")

	select {
	case got := <-fired:
		assert.Equal(t, "delay:abc", got)
	case <-time.After(2 * time.Second):
		t.Fatal("alarm did not fire")
	}
	assert.Equal(t, 0, tm.Pending())
}

func TestTimers_CancelAndReplace(t *testing.T) {
	tm := NewTimers(zerolog.Nop())
	fired := make(chan string, 4)
	tm.SetHandler(func(token string) { fired <- token })

	tm.ScheduleAt(time.Now().Add(20*time.Millisecond), "snooze:1")
	tm.Cancel("snooze:1")

	tm.ScheduleAt(time.Now().Add(time.Hour), "relay:heartbeat")
	tm.ScheduleAt(time.Now().Add(10*time.Millisecond), "relay:heartbeat")
	require.Equal(t, 1, tm.Pending())

	select {
	case got := <-fired:
		assert.Equal(t, "relay:heartbeat", got)
	case <-time.After(2 * time.Second):
		t.Fatal("replacement alarm did not fire")
	}

	select {
	case got := <-fired:
		t.Fatalf("unexpected alarm %s", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTimers_StopDropsPending(t *testing.T) {
	tm := NewTimers(zerolog.Nop())
	tm.SetHandler(func(string) { t.Fatal("should not fire") })
	tm.ScheduleAt(time.Now().Add(10*time.Millisecond), "delay:x")
	tm.Stop()
	tm.ScheduleAt(time.Now(), "delay:y")
	assert.Equal(t, 0, tm.Pending())
	time.Sleep(30 * time.Millisecond)
}
