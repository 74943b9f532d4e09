package websocket

import (
	"context"
	"net"

	"nhooyr.io/websocket"

	"github.com/risa-org/rewire/transport"
)

// Dialer opens connections tunnelled over a binary-message WebSocket.
// For networks where raw TCP egress is blocked but HTTP is allowed.
//
// Each outbound chunk becomes one binary message; the peer sees a byte
// stream once it concatenates them in order. Unlike TCP, WebSocket already
// has its own keepalive (ping/pong) and no coalescing to disable, so there
// are no socket options to apply here.
type Dialer struct {
	// Path is the HTTP path to dial, e.g. "/ingest". Empty means "/".
	Path string
}

// Dial connects to ws://host:port/<path> and adapts the WebSocket to a
// net.Conn so the stream layer can treat it exactly like TCP.
// Satisfies transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	path := d.Path
	if path == "" {
		path = "/"
	}

	c, _, err := websocket.Dial(ctx, "ws://"+transport.Address(host, port)+path, nil)
	if err != nil {
		return nil, err
	}

	// NetConn's context bounds the connection's lifetime, not the dial —
	// the conn must outlive ctx, so it gets a background context.
	return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil
}
