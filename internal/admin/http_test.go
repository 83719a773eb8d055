package admin

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexoedge/agent/internal/container"
	"github.com/nexoedge/agent/internal/containermgr"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	d, err := container.NewFSDriver(1, t.TempDir(), 1<<30, true, false, 1<<16)
	if err != nil {
		t.Fatalf("NewFSDriver: %v", err)
	}
	t.Cleanup(d.Close)
	mgr, err := containermgr.New([]container.Driver{d}, true)
	if err != nil {
		t.Fatalf("containermgr.New: %v", err)
	}

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_probe_total", Help: "test"})
	counter.Inc()
	reg.MustRegister(counter)

	return New(reg, mgr)
}

func startTestServer(t *testing.T, s *Server) (addr string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, "127.0.0.1:0") }()

	var a string
	for i := 0; i < 200 && a == ""; i++ {
		if na := s.Addr(); na != nil {
			a = na.String()
			break
		}
		time.Sleep(time.Millisecond)
	}
	if a == "" {
		t.Fatal("admin server never bound its listener")
	}
	return a, func() {
		cancel()
		<-errCh
	}
}

func TestServeMetricsReturnsRegisteredCounter(t *testing.T) {
	s := newTestServer(t)
	addr, stop := startTestServer(t, s)
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := string(body); !strings.Contains(got, "admin_test_probe_total 1") {
		t.Errorf("body = %q, want it to contain the registered counter", got)
	}
}

func TestServeContainersReturnsConfiguredContainer(t *testing.T) {
	s := newTestServer(t)
	addr, stop := startTestServer(t, s)
	defer stop()

	resp, err := http.Get("http://" + addr + "/containers")
	if err != nil {
		t.Fatalf("GET /containers: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := string(body); !strings.Contains(got, `"id":1`) {
		t.Errorf("body = %q, want it to mention container id 1", got)
	}
}

func TestServeUnknownPathReturnsNotFound(t *testing.T) {
	s := newTestServer(t)
	addr, stop := startTestServer(t, s)
	defer stop()

	resp, err := http.Get("http://" + addr + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
