package coordinator

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/lufia/iostat"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/nexoedge/agent/internal/config"
	"github.com/nexoedge/agent/internal/containermgr"
	"github.com/nexoedge/agent/internal/wire"
)

// containerTypeTag maps a configured container's type to its wire tag.
func containerTypeTag(t config.ContainerType) uint8 {
	switch t {
	case config.ContainerFS:
		return 0
	case config.ContainerS3:
		return 1
	case config.ContainerAzure:
		return 2
	case config.ContainerOSS:
		return 3
	default:
		return 255
	}
}

// Coordinator registers the agent with every configured proxy, keeps that
// registration alive across reconnects, and answers inbound proxy queries.
type Coordinator struct {
	cfg *config.Config
	mgr *containermgr.Manager

	hostType uint8

	dial func(ctx context.Context, addr string) (net.Conn, error)

	sysInfo atomic.Pointer[SysInfo]

	ln net.Listener

	// regState tracks each proxy's last-successful-registration time, keyed
	// by address; it backs no decision here, only GET_SYSINFO_REQ-adjacent
	// introspection (an admin endpoint can read it to show registration
	// freshness per proxy without the coordinator exposing internal state).
	regState *buntdb.DB
}

// New constructs a Coordinator. cfg and mgr are retained and consulted live
// (container usage may change between registration refreshes).
func New(cfg *config.Config, mgr *containermgr.Manager) *Coordinator {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		// buntdb's in-memory backend has no I/O to fail; a non-nil error
		// here would indicate a library bug, not a runtime condition.
		glog.Fatalf("coordinator: opening in-memory registration state: %v", err)
	}
	c := &Coordinator{
		cfg: cfg,
		mgr: mgr,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "tcp", addr)
		},
		regState: db,
	}
	c.sysInfo.Store(&SysInfo{})
	return c
}

// RegistrationState reports the last time each proxy address successfully
// registered, formatted as returned by time.Time.String().
func (c *Coordinator) RegistrationState() map[string]string {
	out := make(map[string]string)
	c.regState.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			out[key] = value
			return true
		})
	})
	return out
}

func (c *Coordinator) recordRegistered(addr string) {
	c.regState.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(addr, time.Now().String(), nil)
		return err
	})
}

func proxyAddr(p config.Proxy) string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.CPort))
}

func (c *Coordinator) eventProbeTimeout() time.Duration {
	return time.Duration(c.cfg.EventProbeTimeoutMs) * time.Millisecond
}

// containerSummary snapshots every configured container's live usage.
func (c *Coordinator) containerSummary() []ContainerSummary {
	usage, capacity := c.mgr.Usage(context.Background())
	out := make([]ContainerSummary, 0, len(c.cfg.Containers))
	for _, ct := range c.cfg.Containers {
		out = append(out, ContainerSummary{
			ID:       ct.ID,
			Type:     containerTypeTag(ct.Type),
			Usage:    usage[ct.ID],
			Capacity: capacity[ct.ID],
		})
	}
	return out
}

func (c *Coordinator) agentAddr() string {
	return net.JoinHostPort(c.cfg.AgentIP, strconv.Itoa(c.cfg.AgentPort))
}

// sendRegister dials addr and sends one registration request, blocking for
// the reply within the event-probe timeout.
func (c *Coordinator) sendRegister(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.eventProbeTimeout())
	defer cancel()

	conn, err := c.dial(dialCtx, addr)
	if err != nil {
		return errors.Wrapf(err, "dialing proxy %s", addr)
	}
	defer conn.Close()

	req := &Event{
		Opcode:     wire.RegAgentReq,
		AgentAddr:  c.agentAddr(),
		HostType:   c.hostType,
		CPort:      int32(c.cfg.AgentCPort),
		Containers: c.containerSummary(),
	}
	if err := Encode(conn, req); err != nil {
		return errors.Wrap(err, "sending registration")
	}

	conn.SetReadDeadline(time.Now().Add(c.eventProbeTimeout()))
	reply, err := Decode(conn)
	if err != nil {
		return errors.Wrap(err, "reading registration reply")
	}
	if reply.Opcode != wire.RegAgentRepSuccess {
		return errors.Errorf("proxy %s rejected registration (opcode %s)", addr, reply.Opcode)
	}
	c.recordRegistered(addr)
	return nil
}

// RegisterAll registers with every configured proxy, blocking until each
// has replied or the event-probe timeout elapses, then keeps a background
// goroutine per proxy that periodically re-sends the registration (see
// maintainRegistration). It returns an
// error if any proxy's initial registration fails — matching the
// requirement that a failed startup registration aborts the agent.
func (c *Coordinator) RegisterAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(c.cfg.Proxies))
	for i, p := range c.cfg.Proxies {
		i, addr := i, proxyAddr(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.sendRegister(ctx, addr)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return errors.Wrapf(err, "registering with proxy %d", i)
		}
	}

	for _, p := range c.cfg.Proxies {
		addr := proxyAddr(p)
		go c.maintainRegistration(ctx, addr)
	}
	return nil
}

// maintainRegistration stands in for the source's ZMQ reconnect monitor: no
// persistent connection is kept open to a REQ-style control endpoint, so
// reconnection is detected by periodically re-sending the registration
// message itself. A failed attempt is retried at the same interval rather
// than escalated, since a proxy that is briefly unreachable should not stop
// the agent from serving chunk requests.
func (c *Coordinator) maintainRegistration(ctx context.Context, addr string) {
	interval := c.eventProbeTimeout()
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendRegister(ctx, addr); err != nil {
				glog.Warningf("coordinator: re-registering with %s: %v", addr, err)
			}
		}
	}
}

// SampleSysInfo starts a background goroutine periodically sampling host
// resource usage for GET_SYSINFO_REQ replies. It runs until ctx is done.
func (c *Coordinator) SampleSysInfo(ctx context.Context, interval time.Duration) {
	c.sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Coordinator) sample() {
	si := &SysInfo{HostType: c.hostType, NumCPU: int32(runtime.NumCPU())}
	if drives, err := iostat.ReadDriveStats(); err == nil {
		for _, d := range drives {
			si.DiskReadBytes += d.ReadBytes
			si.DiskWriteBytes += d.WriteBytes
		}
	} else {
		glog.Warningf("coordinator: sampling disk io stats: %v", err)
	}
	c.sysInfo.Store(si)
}

// Serve accepts inbound proxy queries (SYN_PING, UPD_AGENT_REQ,
// GET_SYSINFO_REQ) until ctx is cancelled.
func (c *Coordinator) Serve(ctx context.Context) error {
	ip := c.cfg.AgentIP
	if c.cfg.ListenAll {
		ip = "0.0.0.0"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(c.cfg.AgentCPort)))
	if err != nil {
		return errors.Wrap(err, "coordinator: binding control listener")
	}
	c.ln = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "coordinator: accept")
			}
		}
		go c.serveConn(conn)
	}
}

// Addr returns the bound control-plane listen address, valid after Serve
// has started accepting.
func (c *Coordinator) Addr() net.Addr {
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

// Close releases the coordinator's registration-state store. It does not
// close the control-plane listener; cancel Serve's context for that.
func (c *Coordinator) Close() error {
	return c.regState.Close()
}

func (c *Coordinator) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := Decode(conn)
		if err != nil {
			if err != ErrShortMessage {
				glog.Warningf("coordinator: decode from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		reply := c.handle(req)
		if err := Encode(conn, reply); err != nil {
			glog.Warningf("coordinator: encode to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (c *Coordinator) handle(req *Event) *Event {
	switch req.Opcode {
	case wire.SynPing:
		return &Event{Opcode: wire.AckPing}
	case wire.UpdAgentReq:
		return &Event{
			Opcode:     wire.UpdAgentRep,
			AgentAddr:  c.agentAddr(),
			HostType:   c.hostType,
			CPort:      int32(c.cfg.AgentCPort),
			Containers: c.containerSummary(),
		}
	case wire.GetSysinfoReq:
		return &Event{Opcode: wire.GetSysinfoRep, SysInfo: c.sysInfo.Load()}
	default:
		glog.Warningf("coordinator: unknown opcode %s", req.Opcode)
		return &Event{Opcode: wire.UnknownOp}
	}
}
