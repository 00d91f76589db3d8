package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
)

// ErrServerClosed is returned by Serve* after Close.
var ErrServerClosed = errors.New("server closed")

var errMissingHandler = errors.New("missing dns handler")

var nopLogger = zap.NewNop()

// Handler resolves one raw query into one raw response. A nil return
// means no datagram is sent back.
type Handler interface {
	ServeDNS(ctx context.Context, raw []byte) []byte
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Handler is required.
	Handler Handler
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c from the Server and returns true if
// the Server is not closed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// Close closes the Server and all its inner listeners, then waits for
// in-flight handlers to finish.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	// Close outside the lock in case a closer calls back in.
	for _, c := range closers {
		_ = c.Close()
	}
	s.wg.Wait()
}
