// Package admin serves the agent's operational HTTP surface: Prometheus
// metrics exposition and a read-only container introspection endpoint.
package admin

import (
	"context"
	"net"

	jsoniter "github.com/json-iterator/go"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"

	"github.com/nexoedge/agent/internal/containermgr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server answers /metrics and /containers over HTTP. It holds no chunk
// data and never touches the data-plane socket.
type Server struct {
	gatherer prometheus.Gatherer
	mgr      *containermgr.Manager

	srv *fasthttp.Server
	ln  net.Listener
}

// New constructs a Server. gatherer is typically the *prometheus.Registry
// passed to stats.New.
func New(gatherer prometheus.Gatherer, mgr *containermgr.Manager) *Server {
	s := &Server{gatherer: gatherer, mgr: mgr}
	s.srv = &fasthttp.Server{Handler: s.handle}
	return s
}

// Serve binds addr and answers requests until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "admin: binding listener")
	}
	s.ln = ln

	go func() {
		<-ctx.Done()
		s.srv.Shutdown()
	}()

	if err := s.srv.Serve(ln); err != nil {
		select {
		case <-ctx.Done():
			return nil
		default:
			return errors.Wrap(err, "admin: serve")
		}
	}
	return nil
}

// Addr returns the bound listen address, valid after Serve starts.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.serveMetrics(ctx)
	case "/containers":
		s.serveContainers(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) serveMetrics(ctx *fasthttp.RequestCtx) {
	mfs, err := s.gatherer.Gather()
	if err != nil {
		glog.Warningf("admin: gathering metrics: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType(string(expfmt.FmtText))
	enc := expfmt.NewEncoder(ctx, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			glog.Warningf("admin: encoding metric family %s: %v", mf.GetName(), err)
			return
		}
	}
}

// containerStatus is one container's identity and live usage, as reported
// by GET /containers.
type containerStatus struct {
	ID       int32  `json:"id"`
	Usage    uint64 `json:"usage_bytes"`
	Capacity uint64 `json:"capacity_bytes"`
}

func (s *Server) serveContainers(ctx *fasthttp.RequestCtx) {
	usage, capacity := s.mgr.Usage(context.Background())
	ids := s.mgr.ContainerIDs()

	out := make([]containerStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, containerStatus{ID: id, Usage: usage[id], Capacity: capacity[id]})
	}

	body, err := json.Marshal(out)
	if err != nil {
		glog.Warningf("admin: marshaling container status: %v", err)
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
