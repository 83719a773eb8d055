// Command agent runs the storage-side agent: it serves chunk operations
// from proxies and peer agents over the data plane, repairs chunks on
// request, and keeps a control-plane registration alive with every
// configured proxy.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nexoedge/agent/internal/admin"
	"github.com/nexoedge/agent/internal/config"
	"github.com/nexoedge/agent/internal/container"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/coordinator"
	"github.com/nexoedge/agent/internal/repair"
	"github.com/nexoedge/agent/internal/security"
	"github.com/nexoedge/agent/internal/stats"
	"github.com/nexoedge/agent/internal/transport"
	"github.com/nexoedge/agent/internal/wire"
	"github.com/nexoedge/agent/internal/worker"
)

var configPath = flag.String("config", "", "path to the agent's JSON config file; falls back to "+config.EnvVar)

const (
	sysInfoSampleInterval = 30 * time.Second
	adminAddr             = ":9200" // fixed for now; not worth a config knob alongside agent_cport/agent_port
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	defer glog.Flush()

	path := *configPath
	if path == "" {
		path = flag.Arg(0)
	}
	cfg, err := config.Load(path)
	if err != nil {
		glog.Errorf("loading config: %v", err)
		return 1
	}

	drivers, err := buildDrivers(cfg)
	if err != nil {
		glog.Errorf("building container drivers: %v", err)
		return 1
	}
	for _, d := range drivers {
		// Only the filesystem driver has anything to close (its background
		// backup-sweep goroutine); the cloud drivers' SDK clients are stateless.
		if closer, ok := d.(interface{ Close() }); ok {
			defer closer.Close()
		}
	}

	mgr, err := containermgr.New(drivers, cfg.VerifyChunkChecksum)
	if err != nil {
		glog.Errorf("building container manager: %v", err)
		return 1
	}

	localKP, err := security.LoadKeyPair(cfg.Curve)
	if err != nil {
		glog.Errorf("loading curve keypair: %v", err)
		return 1
	}
	var wrapConn func(net.Conn) net.Conn
	if localKP != nil {
		// Every configured peer/proxy is trusted under the same keypair in
		// this single-tenant deployment model; a per-peer trust table would
		// only matter for a multi-tenant agent, which is out of scope here.
		wrapper := security.NewWrapper(localKP, localKP.Public)
		wrapConn = wrapper.Wrap
	}

	reg := prometheus.NewRegistry()
	st := stats.New(reg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events := &wire.EventCounter{}
	orchestrator := repair.NewOrchestrator(mgr, events, wrapConn)
	dispatcher := worker.NewDispatcher(mgr, orchestrator, st, events)
	pool := worker.NewPool(ctx, cfg.NumWorkers, dispatcher)
	defer pool.Close()

	dataSrv, err := transport.Listen(net.JoinHostPort(listenIP(cfg), strconv.Itoa(cfg.AgentPort)), pool.Submit, st)
	if err != nil {
		glog.Errorf("starting data-plane listener: %v", err)
		return 1
	}
	defer dataSrv.Close()
	if wrapConn != nil {
		dataSrv.SetWrap(wrapConn)
	}

	coord := coordinator.New(cfg, mgr)
	defer coord.Close()
	if err := coord.RegisterAll(ctx); err != nil {
		glog.Errorf("registering with proxies: %v", err)
		return 1
	}
	go coord.SampleSysInfo(ctx, sysInfoSampleInterval)

	adminSrv := admin.New(reg, mgr)

	errCh := make(chan error, 3)
	go func() { errCh <- dataSrv.Serve(ctx) }()
	go func() { errCh <- coord.Serve(ctx) }()
	go func() { errCh <- adminSrv.Serve(ctx, adminAddr) }()

	select {
	case <-ctx.Done():
		glog.Infof("shutting down: %v", ctx.Err())
	case err := <-errCh:
		if err != nil {
			glog.Errorf("a server exited with error: %v", err)
			cancel()
			return 1
		}
	}

	// Give in-flight connections a moment to drain after the listeners
	// above observe ctx.Done() and close themselves.
	time.Sleep(200 * time.Millisecond)
	return 0
}

func listenIP(cfg *config.Config) string {
	if cfg.ListenAll {
		return "0.0.0.0"
	}
	return cfg.AgentIP
}

func buildDrivers(cfg *config.Config) ([]container.Driver, error) {
	drivers := make([]container.Driver, 0, len(cfg.Containers))
	for _, ct := range cfg.Containers {
		d, err := buildDriver(cfg, ct)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}

func buildDriver(cfg *config.Config, ct config.Container) (container.Driver, error) {
	capacity := uint64(ct.Capacity)
	switch ct.Type {
	case config.ContainerFS:
		return container.NewFSDriver(ct.ID, ct.Path, capacity, cfg.VerifyChunkChecksum, cfg.AgentFlushOnClose, cfg.CopyBlockSize)
	case config.ContainerS3:
		return container.NewS3Driver(ct.ID, ct.Bucket, ct.Region, ct.KeyID, ct.Key, capacity, ct.Endpoint, ct.HTTPProxyIP, ct.HTTPProxyPort, cfg.VerifyChunkChecksum)
	case config.ContainerAzure:
		return container.NewAzureDriver(ct.ID, ct.KeyID, ct.Key, ct.Bucket, capacity, cfg.VerifyChunkChecksum)
	case config.ContainerOSS:
		return container.NewOSSDriver(ct.ID, ct.Endpoint, ct.Bucket, ct.KeyID, ct.Key, capacity, ct.HTTPProxyIP, ct.HTTPProxyPort, cfg.VerifyChunkChecksum)
	default:
		return nil, errUnrecognizedContainerType(ct.Type)
	}
}

type errUnrecognizedContainerType config.ContainerType

func (e errUnrecognizedContainerType) Error() string {
	return "unrecognized container type: " + string(e)
}
