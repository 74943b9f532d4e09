package stream

import (
	"context"
	"fmt"
)

// connState says what we currently hold, explicitly.
// One state value transitioned in one place beats nil-checks on the
// conn handle scattered across every caller.
type connState int

const (
	connAbsent  connState = iota // never opened, explicitly closed, or torn down after a failure
	connUsable                   // open and, as far as we know, healthy
	connDefunct                  // open but poisoned — a read or write on it failed
)

// connect opens a fresh connection to the target and transitions
// absent → usable. Holding two connections at once is a bug in the
// engine, not an environmental condition, so that case is an error
// rather than a silent replace.
func (s *Stream) connect(ctx context.Context) error {
	if s.state != connAbsent {
		return fmt.Errorf("already connected to %v", s.conn.RemoteAddr())
	}

	conn, err := s.dialer.Dial(ctx, s.host, s.port)
	if err != nil {
		return &ConnectError{Host: s.host, Port: s.port, Err: err}
	}

	s.conn = conn
	s.state = connUsable
	// a successful connect means the target is back — start the
	// backoff schedule over for the next outage
	s.backoff.Reset()
	return nil
}

// markDefunct poisons the current connection after a failed read or write.
// The conn stays held (disconnect releases it) but is never written again.
func (s *Stream) markDefunct() {
	if s.state == connUsable {
		s.state = connDefunct
	}
}

// disconnect releases whatever connection we hold and transitions to
// absent. A no-op when nothing is held, whatever the release says —
// the state always ends up absent.
func (s *Stream) disconnect() error {
	if s.state == connAbsent {
		return nil
	}

	err := s.conn.Close()
	s.conn = nil
	s.state = connAbsent
	return err
}
