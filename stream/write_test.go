package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/risa-org/rewire/transport"
	"github.com/risa-org/rewire/transport/tcp"
)

// scriptedDialer hands out a real connection on the first call and a
// canned failure on every call after it. Lets tests drive the retry loop
// into exact, repeatable failure sequences.
type scriptedDialer struct {
	real  transport.Dialer
	fail  error
	calls int
}

func (d *scriptedDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	d.calls++
	if d.calls == 1 {
		return d.real.Dial(ctx, host, port)
	}
	return nil, d.fail
}

// wrappingDialer decorates every connection a real dialer produces,
// counting dials along the way. Lets tests hand the stream connections
// with deliberately broken corners.
type wrappingDialer struct {
	inner transport.Dialer
	wrap  func(net.Conn) net.Conn
	calls int
}

func (d *wrappingDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	d.calls++
	conn, err := d.inner.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return d.wrap(conn), nil
}

// deadlineBrokenConn refuses to arm any write deadline, so the readiness
// wait can never even be set up.
type deadlineBrokenConn struct {
	net.Conn
}

func (c *deadlineBrokenConn) SetWriteDeadline(time.Time) error {
	return errors.New("write deadline not supported")
}

// disarmBrokenConn arms deadlines fine but fails to clear them — the
// failure shows up only after a payload has been fully delivered.
type disarmBrokenConn struct {
	net.Conn
}

func (c *disarmBrokenConn) SetWriteDeadline(t time.Time) error {
	if t.IsZero() {
		return errors.New("cannot disarm write deadline")
	}
	return c.Conn.SetWriteDeadline(t)
}

// acceptAndClose accepts one connection, closes it immediately, and
// signals when the close has happened.
func acceptAndClose(ln net.Listener) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
		close(done)
	}()
	return done
}

func TestWriteExhaustsExactAttemptBudget(t *testing.T) {
	ln, host, port := listen(t)
	closed := acceptAndClose(ln)

	dialer := &scriptedDialer{real: &tcp.Dialer{}, fail: errors.New("scripted dial failure")}
	s, err := New(host, port,
		WithMaxTries(3),
		WithDialer(dialer),
		WithBackOff(&backoff.ZeroBackOff{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	<-closed
	// give the peer's FIN time to land so the first attempt sees it
	time.Sleep(50 * time.Millisecond)

	_, err = s.Write([]byte("doomed\n"))
	if err == nil {
		t.Fatal("expected the write to fail once the budget was spent")
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected an *ExhaustedError, got %T: %v", err, err)
	}

	if ex.Tries != 3 {
		t.Errorf("expected Tries 3, got %d", ex.Tries)
	}
	if len(ex.Causes()) != 3 {
		t.Errorf("expected one cause per attempt (3), got %d: %v", len(ex.Causes()), ex.Causes())
	}

	// the first attempt found the peer gone; that is the root cause
	if !errors.Is(err, ErrPeerClosed) {
		t.Errorf("expected the root cause to be ErrPeerClosed, got %v", errors.Unwrap(err))
	}

	// one dial at construction, one per reconnecting attempt — not more
	if dialer.calls != 3 {
		t.Errorf("expected exactly 3 dials (1 construct + 2 reconnects), got %d", dialer.calls)
	}
}

func TestCancellationDuringBackoffSurfacesImmediately(t *testing.T) {
	ln, host, port := listen(t)
	closed := acceptAndClose(ln)

	refused := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	dialer := &scriptedDialer{real: &tcp.Dialer{}, fail: refused}
	s, err := New(host, port,
		WithMaxTries(10),
		WithDialer(dialer),
		WithBackOff(backoff.NewConstantBackOff(10*time.Second)),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	<-closed
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = s.WriteContext(ctx, []byte("doomed\n"))

	var ce *CancelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *CancelError, got %T: %v", err, err)
	}
	if ce.During != "backoff" {
		t.Errorf("expected cancellation during backoff, got %q", ce.During)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the context's error underneath, got %v", err)
	}

	// cancellation must cut the 10s backoff short, not wait it out
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v to surface", elapsed)
	}
}

// TestWaitFailureCountsTowardBudget — when the readiness machinery itself
// is broken, every attempt fails with ErrWaitFailed and the budget is
// spent normally; the stream does not spin or bail out early.
func TestWaitFailureCountsTowardBudget(t *testing.T) {
	ln, host, port := listen(t)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	dialer := &wrappingDialer{
		inner: &tcp.Dialer{},
		wrap:  func(c net.Conn) net.Conn { return &deadlineBrokenConn{Conn: c} },
	}
	s, err := New(host, port,
		WithMaxTries(3),
		WithDialer(dialer),
		WithBackOff(&backoff.ZeroBackOff{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	_, err = s.Write([]byte("doomed\n"))
	if err == nil {
		t.Fatal("expected the write to fail once the budget was spent")
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected an *ExhaustedError, got %T: %v", err, err)
	}
	if ex.Tries != 3 {
		t.Errorf("expected Tries 3, got %d", ex.Tries)
	}
	if len(ex.Causes()) != 3 {
		t.Errorf("expected one cause per attempt (3), got %d: %v", len(ex.Causes()), ex.Causes())
	}
	if !errors.Is(err, ErrWaitFailed) {
		t.Errorf("expected the root cause to be ErrWaitFailed, got %v", errors.Unwrap(err))
	}
}

// TestCancellationDuringWritableWaitSurfacesPromptly — a peer that
// accepts but never reads leaves the writer parked waiting to become
// writable; cancelling the context must cut that wait short, not wait
// for the peer.
func TestCancellationDuringWritableWaitSurfacesPromptly(t *testing.T) {
	ln, host, port := listen(t)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn // held open, never read
		}
	}()

	s, err := New(host, port)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	conn := <-accepted
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	// far beyond anything loopback buffering can absorb
	payload := bytes.Repeat([]byte{'\n'}, 32<<20)

	start := time.Now()
	err = s.WriteContext(ctx, payload)

	var ce *CancelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected a *CancelError, got %T: %v", err, err)
	}
	if ce.During != "write" {
		t.Errorf("expected cancellation during the writable wait, got %q", ce.During)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected the context's error underneath, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("cancellation took %v to surface", elapsed)
	}
}

// TestDisarmFailureAfterDeliveryDoesNotResend — once every byte is on the
// wire, a failure clearing the write deadline must not fail the attempt:
// a retry would open a second connection and deliver the payload twice.
func TestDisarmFailureAfterDeliveryDoesNotResend(t *testing.T) {
	ln, host, port := listen(t)
	line := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		text, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		line <- text
	}()

	dialer := &wrappingDialer{
		inner: &tcp.Dialer{},
		wrap:  func(c net.Conn) net.Conn { return &disarmBrokenConn{Conn: c} },
	}
	s, err := New(host, port, WithDialer(dialer))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	n, err := s.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write should succeed once the payload is delivered, got %v", err)
	}
	if n != 6 {
		t.Errorf("expected n=6, got %d", n)
	}

	select {
	case got := <-line:
		if got != "hello\n" {
			t.Errorf("expected %q, got %q", "hello\n", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the peer to read")
	}

	// no retry means no second connection
	if dialer.calls != 1 {
		t.Errorf("expected exactly 1 dial, got %d — the attempt was retried", dialer.calls)
	}
}

// TestRefusedReconnectSleepsBackoff — a refused reconnect waits out the
// backoff interval before the failure propagates, so a write against a
// briefly-down peer paces its attempts instead of burning the budget in
// microseconds.
func TestRefusedReconnectSleepsBackoff(t *testing.T) {
	ln, host, port := listen(t)
	closed := acceptAndClose(ln)

	refused := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	dialer := &scriptedDialer{real: &tcp.Dialer{}, fail: refused}
	s, err := New(host, port,
		WithMaxTries(3),
		WithDialer(dialer),
		WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s.CloseQuietly()

	<-closed
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err = s.Write([]byte("doomed\n"))
	elapsed := time.Since(start)

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected an *ExhaustedError, got %T: %v", err, err)
	}

	// attempts 2 and 3 each hit a refused dial and slept ~100ms
	if elapsed < 200*time.Millisecond {
		t.Errorf("expected at least two backoff sleeps, write returned after %v", elapsed)
	}
}
