package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/nsmura/kitsune/pkg/dnsmsg"
)

var readBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, dnsmsg.MaxMsgSize)
		return &b
	},
}

// ServeUDP owns c until Close. Each datagram is copied out of the
// read buffer and handled in its own goroutine; at most one datagram
// goes back to the peer, and none when the handler drops the query.
func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	handler := s.opts.Handler
	if handler == nil {
		return errMissingHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	listenerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rb := *readBufPool.Get().(*[]byte)
	defer readBufPool.Put(&rb)

	for {
		n, remoteAddr, err := c.ReadFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		raw := make([]byte, n)
		copy(raw, rb[:n])

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			resp := handler.ServeDNS(listenerCtx, raw)
			if resp == nil {
				return
			}
			if _, err := c.WriteTo(resp, remoteAddr); err != nil {
				s.opts.Logger.Warn("failed to write response",
					zap.Stringer("client", remoteAddr), zap.Error(err))
			}
		}()
	}
}
