package session

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a session error.
type Kind string

const (
	KindTransport         Kind = "transport"
	KindNegotiation       Kind = "negotiation"
	KindMedia             Kind = "media"
	KindExhaustedRecovery Kind = "exhausted-recovery"
)

var (
	// ErrExhausted is wrapped by the fatal error raised after the last
	// reconnection attempt.
	ErrExhausted = errors.New("reconnection attempts exhausted")
	ErrNoSource  = errors.New("no media source configured")
	ErrClosed    = errors.New("session closed")
)

// Error is what OnError receives and what the public methods return for
// failures the caller should see.
type Error struct {
	Kind        Kind
	Op          string
	Participant string
	Err         error
	// Fatal means the session has given up and released everything.
	Fatal bool
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		fmt.Fprintf(&b, " %s", e.Op)
	}
	if e.Participant != "" {
		fmt.Fprintf(&b, " (participant %s)", e.Participant)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a fatal session Error.
func IsFatal(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Fatal
}
