// Package rtctest provides in-memory peer connections, a signaling hub and a
// manual clock for exercising sessions without a network.
package rtctest

import (
	"sort"
	"sync"
	"time"

	"github.com/mikeyg42/roomcall/internal/rtcManager"
)

// Clock is a manual rtcManager.Clock. Timers fire only from Advance.
type Clock struct {
	mu        sync.Mutex
	now       time.Time
	seq       int
	timers    []*timer
	scheduled []time.Duration
}

type timer struct {
	clock   *Clock
	seq     int
	at      time.Time
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func NewClock() *Clock {
	return &Clock{now: time.Unix(1_700_000_000, 0)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) rtcManager.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{clock: c, seq: c.seq, at: c.now.Add(d), delay: d, fn: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)
	return t
}

func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d and fires every timer that came due, in
// due order.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*timer
	var keep []*timer
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.fired = true
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.fn()
	}
}

// Scheduled returns the delay of every AfterFunc call so far.
func (c *Clock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.scheduled...)
}

// Pending returns the delays of timers that are neither stopped nor fired.
func (c *Clock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t.delay)
		}
	}
	return out
}
