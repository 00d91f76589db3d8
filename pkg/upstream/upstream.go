// Package upstream relays raw DNS queries to a single configured
// resolver over UDP. Each exchange uses its own short-lived socket
// bounded by the caller's context, closed on every path.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

var (
	// ErrTimeout indicates the upstream did not answer within the
	// configured bound. There is no retry; the caller falls back.
	ErrTimeout = errors.New("upstream timed out")

	// ErrUnavailable indicates a transport-level failure opening or
	// using the upstream socket. Treated like a timeout by callers.
	ErrUnavailable = errors.New("upstream unavailable")
)

// Exchanger is implemented by anything that can perform one
// query/response round trip. The resolution engine depends on this
// interface, not on UDP.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// UDP is an Exchanger that dials the configured resolver address for
// every exchange.
type UDP struct {
	addr string
}

// NewUDP validates addr ("host:port") and returns a UDP exchanger.
func NewUDP(addr string) (*UDP, error) {
	if _, err := net.ResolveUDPAddr("udp", addr); err != nil {
		return nil, fmt.Errorf("invalid upstream address %q: %w", addr, err)
	}
	return &UDP{addr: addr}, nil
}

func (u *UDP) Addr() string { return u.addr }

// Exchange sends query verbatim and reads a single datagram back.
// The context deadline bounds both the dial and the read.
func (u *UDP) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", u.addr)
	if err != nil {
		return nil, classify(err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if _, err := conn.Write(query); err != nil {
		return nil, classify(err)
	}

	buf := make([]byte, dnsmsg.MaxMsgSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, classify(err)
	}
	return buf[:n], nil
}

func classify(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
