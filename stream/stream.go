// Package stream provides a resilient, write-only byte stream over TCP.
//
// Callers push bytes; the stream transparently opens, reconnects, retries
// and (optionally) replays a protocol preamble, without the caller ever
// observing a connection reset. Inbound bytes are drained and discarded —
// this is strictly a one-way pipe.
//
// A Stream is not safe for concurrent use. Write, Reconnect and Close
// must be serialized by the caller.
package stream

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/risa-org/rewire/preamble"
	"github.com/risa-org/rewire/transport"
	"github.com/risa-org/rewire/transport/tcp"
)

// DefaultMaxTries is the attempt budget when none is configured.
// With the default one-second backoff on refused connects, this gives a
// restarting peer roughly three minutes to come back.
const DefaultMaxTries = 3 * 60

// drainBufferSize is deliberately tiny. Drained bytes are protocol
// chatter we discard unread (for ZMTP-style peers, a short greeting) —
// there is never much of it, and the buffer retains nothing across calls.
const drainBufferSize = 32

// Stream is a write-only connection to host:port that survives resets.
// Create one with New; the zero value is not usable.
type Stream struct {
	// configuration, immutable after New
	host     string
	port     int
	maxTries int
	dialer   transport.Dialer
	backoff  backoff.BackOff
	log      zerolog.Logger
	replay   bool

	// mutable state, owned by the single caller
	conn     net.Conn
	state    connState
	first    *preamble.Cache
	drainBuf []byte
	closed   bool
}

// Option configures a Stream at construction time.
type Option func(*Stream)

// WithMaxTries sets the attempt budget for a single logical write:
// how many connect+write cycles it runs before giving up. Must be ≥ 1.
func WithMaxTries(n int) Option {
	return func(s *Stream) { s.maxTries = n }
}

// WithReplayFirstWrite makes the stream capture the payload of its very
// first Write and resend it, verbatim, at the start of every reconnected
// connection. For protocols whose peers expect a greeting on every
// physical connection.
func WithReplayFirstWrite() Option {
	return func(s *Stream) { s.replay = true }
}

// WithBackOff replaces the delay policy applied after a refused connect.
// The default is a constant one second. The policy is reset whenever a
// connect succeeds.
func WithBackOff(b backoff.BackOff) Option {
	return func(s *Stream) { s.backoff = b }
}

// WithLogger attaches a logger. The default discards everything;
// the stream only ever logs at debug level, off the happy path.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Stream) { s.log = log }
}

// WithDialer replaces how connections are opened. The default is raw TCP
// with keepalive on and coalescing off; see transport/websocket for the
// tunnelled alternative.
func WithDialer(d transport.Dialer) Option {
	return func(s *Stream) { s.dialer = d }
}

// New opens a stream to host:port.
//
// The first connect happens here and is not retried: a target that is
// down at construction time should fail loudly and immediately, not
// three minutes and one exhausted attempt budget later. The returned
// error is a *ConnectError in that case.
func New(host string, port int, opts ...Option) (*Stream, error) {
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("port must be in 1..65535, got %d", port)
	}

	s := &Stream{
		host:     host,
		port:     port,
		maxTries: DefaultMaxTries,
		dialer:   &tcp.Dialer{},
		backoff:  backoff.NewConstantBackOff(time.Second),
		log:      zerolog.Nop(),
		drainBuf: make([]byte, drainBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.maxTries < 1 {
		return nil, fmt.Errorf("max tries must be at least one, got %d", s.maxTries)
	}

	s.first = preamble.New(s.replay)

	if err := s.connect(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Reconnect drops the current connection and opens a fresh one, replaying
// the first-write preamble if one is cached. Writes do this on their own
// when they have to; Reconnect is for callers that want a fresh connection
// on their own schedule — after a known peer restart, say.
func (s *Stream) Reconnect() error {
	return s.ReconnectContext(context.Background())
}

// ReconnectContext is Reconnect with a context bounding the backoff sleep
// and the preamble replay.
func (s *Stream) ReconnectContext(ctx context.Context) error {
	if s.closed {
		return ErrClosed
	}
	return s.reconnect(ctx)
}

// reconnect tears down whatever we hold, dials fresh, and replays the
// preamble. On a refused connect it sleeps the backoff interval before
// propagating the failure — giving a restarting peer time to bind before
// the write loop comes around again.
func (s *Stream) reconnect(ctx context.Context) error {
	// the old connection is already suspect; nothing useful in its error
	_ = s.disconnect()

	if err := s.connect(ctx); err != nil {
		if transport.IsRefused(err) {
			if serr := s.sleepBackoff(ctx); serr != nil {
				return serr
			}
		}
		return err
	}

	s.log.Debug().Str("target", transport.Address(s.host, s.port)).Msg("reconnected")
	return s.replayFirstWrite(ctx)
}

// sleepBackoff waits out the current backoff interval, or returns a
// *CancelError the moment ctx is cancelled.
func (s *Stream) sleepBackoff(ctx context.Context) error {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &CancelError{During: "backoff", Err: ctx.Err()}
	}
}

// replayFirstWrite resends the cached preamble on the fresh connection.
// It goes through the ordinary write engine — same attempt budget, same
// drain semantics as any caller write — but does not re-capture the cache.
func (s *Stream) replayFirstWrite(ctx context.Context) error {
	p := s.first.Bytes()
	if len(p) == 0 {
		return nil
	}

	s.log.Debug().Int("bytes", len(p)).Msg("replaying first write")
	return s.writeContext(ctx, p)
}

// Close releases the connection and marks the stream terminally closed:
// any later Write or Reconnect fails with ErrClosed. Errors from
// releasing the connection are surfaced; use CloseQuietly to swallow them.
// Closing an already-closed or never-reconnected stream is a no-op.
func (s *Stream) Close() error {
	s.closed = true
	return s.disconnect()
}

// CloseQuietly is Close for shutdown paths that have nowhere to put an
// error. It never fails, however many times it is called.
func (s *Stream) CloseQuietly() {
	s.closed = true
	_ = s.disconnect()
}
