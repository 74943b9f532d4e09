package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
)

// A Dialer knows how to open a fresh connection to a target.
// The stream layer only ever talks to this interface —
// it never imports tcp, websocket, or anything concrete.
//
// This is how you get "same reconnect engine, swappable backends."
type Dialer interface {
	// Dial opens a new connection to host:port.
	// Every call produces a brand new connection — a Dialer holds no
	// connection state of its own. The returned conn is owned by the caller.
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// Address formats a host and port the way net expects it.
// Handles IPv6 literals correctly, which naive string concatenation does not.
func Address(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsRefused reports whether err means nobody is listening at the target.
// Refused is the one dial failure worth backing off on — the host is
// reachable, the service just isn't up yet. We check the errno with
// errors.Is instead of matching strings, which is fragile and breaks easily.
func IsRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
