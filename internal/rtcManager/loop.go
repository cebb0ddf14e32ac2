package rtcManager

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrLoopClosed is returned by Do once the loop no longer accepts work.
var ErrLoopClosed = errors.New("event loop closed")

// EventLoop runs posted closures one at a time, in posting order. Every
// mutation of a session's peer state happens on its loop, so handlers never
// need locks but must re-check state after each native call.
type EventLoop struct {
	logger *zap.Logger

	mu       sync.Mutex
	queue    []func()
	closed   bool
	executed uint64
	wake     chan struct{}
	done     chan struct{}
}

func NewEventLoop(logger *zap.Logger) *EventLoop {
	if logger == nil {
		logger = zap.L().Named("loop")
	}
	return &EventLoop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn. It never blocks and reports false once the loop is closed.
func (l *EventLoop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from the loop itself.
func (l *EventLoop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopClosed
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLoopClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits for everything posted so far and returns how many closures the
// loop had executed before it got there.
func (l *EventLoop) Sync(ctx context.Context) (uint64, error) {
	var n uint64
	err := l.Do(ctx, func() {
		l.mu.Lock()
		n = l.executed - 1
		l.mu.Unlock()
	})
	return n, err
}

// Run processes closures until the loop is closed and drained, or ctx ends.
func (l *EventLoop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		if l.Drain() == 0 && l.isClosed() {
			return
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Close()
			return
		}
	}
}

// Drain runs queued closures on the calling goroutine until the queue is
// empty, including closures posted while draining. Run uses it; tests that
// do not start a loop call it directly.
func (l *EventLoop) Drain() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return ran
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.executed++
		l.mu.Unlock()

		l.run(fn)
		ran++
	}
}

func (l *EventLoop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Close stops accepting work. Closures already queued still run.
func (l *EventLoop) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

func (l *EventLoop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
