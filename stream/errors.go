package stream

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/risa-org/rewire/transport"
)

// Named errors let callers check the exact cause with errors.Is()
// instead of comparing strings — which is fragile and breaks easily.
var (
	// ErrClosed is returned when operating on a stream after an explicit
	// Close. Close is terminal: a closed stream never reconnects.
	ErrClosed = errors.New("stream is closed")

	// ErrPeerClosed means the other end closed the connection, detected
	// either mid-write or while draining its inbound bytes. Retryable —
	// the write engine reconnects and tries again.
	ErrPeerClosed = errors.New("peer closed the connection")

	// ErrWaitFailed means the readiness machinery itself broke — we could
	// not even arm the wait for the socket to become writable. Fatal for
	// the current attempt; it still counts against the attempt budget.
	ErrWaitFailed = errors.New("readiness wait failed")
)

// ConnectError reports a failed attempt to open the underlying socket —
// refused, unreachable, or timed out. It wraps the dial error, so
// transport.IsRefused and errors.Is still see the original errno.
type ConnectError struct {
	Host string
	Port int
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", transport.Address(e.Host, e.Port), e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// CancelError reports that the caller's context was cancelled while the
// stream was waiting — either in the post-refusal backoff sleep or while
// waiting for the socket to become writable. Cancellation surfaces
// immediately; it is not a failed attempt and is never retried.
type CancelError struct {
	During string // "backoff" or "write"
	Err    error  // the context's error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancelled during %s wait: %v", e.During, e.Err)
}

func (e *CancelError) Unwrap() error { return e.Err }

// ExhaustedError is what a caller of Write sees when every attempt in the
// budget failed. It carries the cause of each attempt in order; the first
// failure is the root cause, so errors.Is/As keep working against it.
type ExhaustedError struct {
	Tries  int
	causes *multierror.Error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("write failed after %d tries: %s", e.Tries, e.causes)
}

// Causes returns every attempt's failure, oldest first.
func (e *ExhaustedError) Causes() []error {
	return e.causes.Errors
}

// Unwrap exposes the first attempt's failure as the immediate cause.
// The first failure is usually the interesting one — everything after it
// tends to be the same reconnect refusal repeating.
func (e *ExhaustedError) Unwrap() error {
	return e.causes.Errors[0]
}

// isPeerGone reports whether err is one of the platform's ways of saying
// the other end went away mid-transfer.
func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
