package rpcfabric

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/nu-lp/corelp/internal/wire"
)

// Server accepts connections from peer nodes and dispatches every
// frame it reads to the Router. One goroutine per connection; frames
// on a connection are served one at a time (the sender holds the
// connection checked out of its Client-side Pool until it gets a
// reply), which is what bounds a single peer to "credits" in-flight
// requests rather than anything the server itself enforces.
type Server struct {
	log hclog.Logger
	ln  net.Listener
	rt  *Router

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func NewServer(log hclog.Logger, ln net.Listener, rt *Router) *Server {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Server{log: log, ln: ln, rt: rt}
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. It blocks; callers run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ln.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		kind, err := wire.ReadKind(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("rpcfabric: connection read error", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}

		resp, callErr := s.rt.dispatch(ctx, kind, r)
		if err := writeResponse(w, kind, resp, callErr); err != nil {
			s.log.Debug("rpcfabric: connection write error", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}
}
