package rtcManager

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/roomcall/internal/metrics"
)

// ErrConfirmTimeout means an attempt went through but the room never
// answered with a participant snapshot.
var ErrConfirmTimeout = errors.New("no participant list before confirmation timeout")

type ReconnectConfig struct {
	Loop    *EventLoop
	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConfirmTimeout time.Duration

	// Attempt reopens signaling if needed and asks for the participant list.
	Attempt func(attempt int) error
	// Scheduled is told about every delay before it starts.
	Scheduled func(attempt int, delay time.Duration)
	// Exhausted fires once when no attempt is left.
	Exhausted func(attempts int, lastErr error)
}

// NewBackOff returns min(base*2^(n-1), maxDelay) for n = 1..maxAttempts,
// then Stop.
func NewBackOff(base, maxDelay time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(maxAttempts))
}

// Reconnector drives global reconnection attempts with exponential backoff.
// All methods must be called on the loop.
type Reconnector struct {
	cfg    ReconnectConfig
	logger *zap.Logger

	active   bool
	attempts int
	gen      uint64
	backoff  backoff.BackOff
	timer    Timer
	confirm  Timer
	lastErr  error
}

func NewReconnector(cfg ReconnectConfig) (*Reconnector, error) {
	if cfg.Loop == nil {
		return nil, fmt.Errorf("event loop cannot be nil")
	}
	if cfg.Attempt == nil {
		return nil, fmt.Errorf("attempt function cannot be nil")
	}
	if cfg.BaseDelay <= 0 {
		return nil, fmt.Errorf("base delay must be positive")
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L().Named("reconnect")
	}
	return &Reconnector{cfg: cfg, logger: cfg.Logger}, nil
}

// Start begins a reconnection cycle unless one is already running.
func (r *Reconnector) Start() {
	if r.active {
		return
	}
	r.active = true
	r.attempts = 0
	r.lastErr = nil
	r.backoff = NewBackOff(r.cfg.BaseDelay, r.cfg.MaxDelay, r.cfg.MaxAttempts)
	r.scheduleNext()
}

func (r *Reconnector) scheduleNext() {
	r.stopTimers()

	delay := r.backoff.NextBackOff()
	if delay == backoff.Stop {
		attempts, lastErr := r.attempts, r.lastErr
		r.active = false
		r.logger.Error("reconnection attempts exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
		if r.cfg.Exhausted != nil {
			r.cfg.Exhausted(attempts, lastErr)
		}
		return
	}

	next := r.attempts + 1
	r.logger.Info("scheduling reconnection attempt", zap.Int("attempt", next), zap.Duration("delay", delay))
	if r.cfg.Scheduled != nil {
		r.cfg.Scheduled(next, delay)
	}

	gen := r.gen
	r.timer = r.cfg.Clock.AfterFunc(delay, func() {
		r.cfg.Loop.Post(func() {
			if r.active && gen == r.gen {
				r.fire()
			}
		})
	})
}

func (r *Reconnector) fire() {
	r.timer = nil
	r.attempts++
	r.cfg.Metrics.ReconnectAttempt()

	if err := r.cfg.Attempt(r.attempts); err != nil {
		r.logger.Warn("reconnection attempt failed", zap.Int("attempt", r.attempts), zap.Error(err))
		r.lastErr = err
		r.scheduleNext()
		return
	}
	if !r.active {
		// Confirm ran inside Attempt.
		return
	}

	gen := r.gen
	r.confirm = r.cfg.Clock.AfterFunc(r.cfg.ConfirmTimeout, func() {
		r.cfg.Loop.Post(func() {
			if !r.active || gen != r.gen {
				return
			}
			r.logger.Warn("reconnection not confirmed", zap.Int("attempt", r.attempts))
			r.lastErr = ErrConfirmTimeout
			r.scheduleNext()
		})
	})
}

// Confirm ends the cycle successfully. It reports false when no cycle was
// running.
func (r *Reconnector) Confirm() bool {
	if !r.active {
		return false
	}
	r.logger.Info("reconnection confirmed", zap.Int("attempts", r.attempts))
	r.active = false
	r.attempts = 0
	r.stopTimers()
	return true
}

// Stop abandons the cycle without reporting anything.
func (r *Reconnector) Stop() {
	r.active = false
	r.stopTimers()
}

func (r *Reconnector) stopTimers() {
	r.gen++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.confirm != nil {
		r.confirm.Stop()
		r.confirm = nil
	}
}

func (r *Reconnector) Active() bool { return r.active }

// Attempts is the number of attempts made in the current cycle.
func (r *Reconnector) Attempts() int { return r.attempts }
