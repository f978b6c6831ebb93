package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/netutil"
)

// DefaultDialTimeout bounds connection establishment to a peer or registry.
const DefaultDialTimeout = 5 * time.Second

// Dial opens a stream connection to addr, bounded by DefaultDialTimeout and ctx.
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// Listen binds addr and caps the number of simultaneously accepted
// connections at maxConns (0 = no cap).
func Listen(addr string, maxConns int) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	return l, nil
}
