package tcp

import (
	"context"
	"net"
	"time"

	"github.com/risa-org/rewire/transport"
)

// Dialer opens raw TCP connections with the socket configured for
// low-latency, long-lived writing:
//
//   - keepalive enabled, so a silently dead peer is eventually noticed
//     even when we have nothing to send
//   - Nagle coalescing disabled, so small writes go out immediately
//
// Both are fixed facts of every connection this dialer produces.
// They are set once at dial time and never retried or validated —
// a platform that refuses them simply doesn't get them.
type Dialer struct {
	// KeepAlivePeriod overrides the probe interval. Zero means 30 seconds.
	KeepAlivePeriod time.Duration
}

const defaultKeepAlivePeriod = 30 * time.Second

// Dial opens a TCP connection to host:port and applies the socket options.
// Satisfies transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", transport.Address(host, port))
	if err != nil {
		return nil, err
	}

	period := d.KeepAlivePeriod
	if period == 0 {
		period = defaultKeepAlivePeriod
	}

	// DialContext for "tcp" always returns a *net.TCPConn
	tc := conn.(*net.TCPConn)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(period)
	tc.SetNoDelay(true)

	return conn, nil
}
