package stream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
)

// writeStall is how long a single blocked write waits before we take a
// break to discard inbound bytes and check for cancellation. It is a
// service interval for the wait, not a timeout — a stalled write cycles
// through it indefinitely until the peer drains or disappears.
const writeStall = 250 * time.Millisecond

// drainWait bounds how long the stalled-write drain listens for inbound
// bytes before going back to waiting for writability.
const drainWait = 5 * time.Millisecond

// Write delivers p to the peer — all of it, in order, exactly once from
// the caller's point of view — masking any number of transient connection
// failures up to the attempt budget. On success n is len(p); there is no
// partial success, so on error n is 0. Satisfies io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.WriteContext(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteByte delivers a single byte with the same guarantees as Write.
// Satisfies io.ByteWriter.
func (s *Stream) WriteByte(b byte) error {
	return s.WriteContext(context.Background(), []byte{b})
}

// WriteString delivers s with the same guarantees as Write.
// Satisfies io.StringWriter.
func (s *Stream) WriteString(str string) (int, error) {
	return s.Write([]byte(str))
}

// WriteContext is Write with a context. An unresponsive peer that never
// drains and never closes can otherwise block a write indefinitely; ctx
// is the caller's way out, surfacing as a *CancelError.
func (s *Stream) WriteContext(ctx context.Context, p []byte) error {
	if s.closed {
		return ErrClosed
	}

	// capture the first-ever payload before any I/O — even a write whose
	// every attempt fails still defines the preamble
	s.first.Record(p)

	return s.writeContext(ctx, p)
}

// writeContext is the retry loop shared by caller writes and preamble
// replay. Replay must not re-capture the cache, which is why it enters
// here rather than through WriteContext.
func (s *Stream) writeContext(ctx context.Context, p []byte) error {
	var attempts *multierror.Error

	for try := 1; try <= s.maxTries; try++ {
		if err := ctx.Err(); err != nil {
			return &CancelError{During: "write", Err: err}
		}

		err := s.attempt(ctx, p)
		if err == nil {
			return nil
		}

		// cancellation is the caller changing their mind, not the
		// connection failing — it neither retries nor counts
		var cancel *CancelError
		if errors.As(err, &cancel) {
			return err
		}

		s.log.Debug().Err(err).Int("try", try).Int("budget", s.maxTries).
			Msg("write attempt failed")
		attempts = multierror.Append(attempts, err)
		_ = s.disconnect()
	}

	return &ExhaustedError{Tries: s.maxTries, causes: attempts}
}

// attempt is one connect+write cycle: make sure a usable connection
// exists (reconnecting and replaying the preamble if not), then push the
// whole payload from the start. Each attempt restarts from offset zero —
// a fresh connection has seen none of the payload, whatever the previous
// attempt managed to buffer.
func (s *Stream) attempt(ctx context.Context, p []byte) error {
	if s.state != connUsable {
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}
	return s.writeFully(ctx, p)
}

// writeFully drives every byte of p onto the connection, interleaving
// inbound draining with outbound writes:
//
//  1. discard whatever the peer has already sent (non-blocking)
//  2. write with a short deadline
//  3. if the deadline expires with bytes still pending, the socket
//     buffer is full — drain inbound, check for cancellation, go again
//
// Step 1 is not optional politeness. Some peers send protocol chatter the
// moment we connect; if we never service our inbound side, that chatter
// eventually fills the peer's send buffer and the peer stops reading —
// deadlocking our own writes. Draining keeps both directions moving.
func (s *Stream) writeFully(ctx context.Context, p []byte) error {
	for off := 0; off < len(p); {
		if err := s.drainReady(); err != nil {
			s.markDefunct()
			return err
		}

		if err := s.conn.SetWriteDeadline(time.Now().Add(writeStall)); err != nil {
			s.markDefunct()
			return fmt.Errorf("%w: %v", ErrWaitFailed, err)
		}

		n, err := s.conn.Write(p[off:])
		off += n
		if err == nil {
			continue
		}

		if errors.Is(err, os.ErrDeadlineExceeded) {
			// not writable yet — keep discarding inbound while we wait
			if cerr := ctx.Err(); cerr != nil {
				return &CancelError{During: "write", Err: cerr}
			}
			if derr := s.drainStalled(); derr != nil {
				s.markDefunct()
				return derr
			}
			continue
		}

		s.markDefunct()
		if isPeerGone(err) {
			return ErrPeerClosed
		}
		return err
	}

	// leave the connection with no deadline armed for the next write.
	// The payload is already fully delivered at this point, so a failure
	// here must not fail the attempt — a retry would resend bytes the
	// peer has. Poison the conn instead; the next write starts fresh.
	if err := s.conn.SetWriteDeadline(time.Time{}); err != nil {
		s.markDefunct()
	}
	return nil
}
