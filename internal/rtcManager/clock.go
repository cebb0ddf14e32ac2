package rtcManager

import "time"

// Timer is a cancellable pending call.
type Timer interface {
	Stop() bool
}

// Clock schedules the health ticks, peer recoveries and reconnect backoff.
// Callbacks run on the clock's goroutine and must only post to a loop.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock is the wall clock.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
