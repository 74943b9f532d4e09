package stream

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"
)

// drainReady discards whatever the peer has already sent, without ever
// blocking. This is the pre-write poll: one pass over the descriptor,
// reading until the kernel says "nothing there", never parking.
//
// It needs descriptor-level access, so it only works on connections that
// expose one (TCP does). Tunnelled connections without a descriptor skip
// this fast path and get drained in the stall path instead — which still
// breaks the deadlock, because a peer blocked on its own send stops
// reading, which stalls our write, which lands us in drainStalled.
func (s *Stream) drainReady() error {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		return nil
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWaitFailed, err)
	}

	var drainErr error
	rerr := raw.Read(func(fd uintptr) bool {
		for {
			n, err := syscall.Read(int(fd), s.drainBuf)
			switch {
			case n > 0:
				continue // discard and keep reading
			case n == 0 && err == nil:
				drainErr = ErrPeerClosed // EOF: peer closed its end
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EAGAIN):
				// nothing waiting — the normal case
			default:
				drainErr = err
			}
			return true // always done: this is a poll, not a wait
		}
	})
	if rerr != nil {
		return fmt.Errorf("%w: %v", ErrWaitFailed, rerr)
	}
	return drainErr
}

// drainStalled discards inbound bytes while a write is blocked on a full
// socket buffer. Unlike drainReady it may wait a few milliseconds for
// bytes to show up, which is fine — the write has nowhere to go anyway —
// and it works on any connection, descriptor or not, because it only
// uses read deadlines.
func (s *Stream) drainStalled() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(drainWait)); err != nil {
		return fmt.Errorf("%w: %v", ErrWaitFailed, err)
	}
	// a leftover read deadline would make the next drainReady poll report
	// a timeout instead of polling, so always disarm it on the way out
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		_, err := s.conn.Read(s.drainBuf)
		if err == nil {
			continue // discard and keep reading until the deadline
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil // drained everything that was waiting
		}
		if isPeerGone(err) {
			return ErrPeerClosed
		}
		return err
	}
}
