// Package transport implements the agent's data-plane network surface: a
// framed-TCP listener standing in for the source's ZeroMQ router/dealer
// frontend, and a client used for agent-to-agent repair requests. No Go
// ZMQ binding is available, so request/reply framing is done directly
// with internal/wire over net.Conn.
package transport

import (
	"context"
	"net"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/nexoedge/agent/internal/wire"
)

// Handler processes one decoded event and returns the reply to send back.
// A Pool's Submit method satisfies this signature.
type Handler func(ctx context.Context, req *wire.Event) (*wire.Event, error)

// TrafficRecorder is notified of raw wire bytes moved, for stats.
type TrafficRecorder interface {
	AddIngressTraffic(n int)
	AddEgressTraffic(n int)
}

// Server accepts data-plane connections from proxies and peer agents. Each
// connection serves a sequence of request/reply events, matching a single
// REQ socket's usage pattern — the frontend-router's job of fanning many
// such connections out to a fixed worker pool is done by Handler, which is
// expected to bound its own concurrency.
type Server struct {
	ln      net.Listener
	handler Handler
	stats   TrafficRecorder
	wrap    func(net.Conn) net.Conn
}

// Listen binds addr (host:port) and returns a Server ready to Serve.
func Listen(addr string, handler Handler, stats TrafficRecorder) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: listening on %s", addr)
	}
	return &Server{ln: ln, handler: handler, stats: stats}, nil
}

// SetWrap installs fn to wrap every newly accepted connection before it is
// served — internal/security uses this to layer channel encryption onto
// the plain TCP socket when the agent is configured with Curve keys.
func (s *Server) SetWrap(fn func(net.Conn) net.Conn) { s.wrap = fn }

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each connection is served on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "transport: accept")
			}
		}
		if s.wrap != nil {
			conn = s.wrap(conn)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		req, n, err := wire.Decode(conn)
		if err != nil {
			if err != wire.ErrShortMessage {
				glog.Warningf("transport: decode from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if s.stats != nil {
			s.stats.AddIngressTraffic(int(n))
		}

		reply, err := s.handler(ctx, req)
		if err != nil {
			glog.Errorf("transport: handler error from %s: %v", conn.RemoteAddr(), err)
			return
		}

		wn, err := wire.Encode(conn, reply)
		if err != nil {
			glog.Warningf("transport: encode to %s: %v", conn.RemoteAddr(), err)
			return
		}
		if s.stats != nil {
			s.stats.AddEgressTraffic(int(wn))
		}
	}
}
