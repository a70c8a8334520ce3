// Package daemon dispatches IPC requests to the subsystem controllers:
// engine supervision, system proxy, DNS, TUN, port enumeration and
// connectivity probing. It owns the concurrency policy — one mutating
// operation per subsystem at a time, concurrent callers rejected rather
// than queued.
package daemon

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/dnsconf"
	"mihomo-helper/internal/engine"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/ports"
	"mihomo-helper/internal/probe"
	"mihomo-helper/internal/protocol"
	"mihomo-helper/internal/sysproxy"
	"mihomo-helper/internal/tun"
)

// EngineControl supervises the proxy engine subprocess.
type EngineControl interface {
	Start(ctx context.Context, binaryPath, configPath string, configContent []byte) (*protocol.EngineRecord, error)
	Stop(ctx context.Context, timeout time.Duration) (bool, error)
	Restart(ctx context.Context, timeout time.Duration) (*protocol.EngineRecord, error)
	Record() *protocol.EngineRecord
	Running() bool
}

// ProxyControl manages OS proxy settings.
type ProxyControl interface {
	Enable(ctx context.Context, p protocol.ProxyParams) error
	Disable(ctx context.Context) error
	Status(ctx context.Context, expected *protocol.ProxyParams) (*protocol.ProxyStatus, error)
	Enabled() bool
}

// DNSControl manages system resolvers and the OS resolver cache.
type DNSControl interface {
	Configure(ctx context.Context, servers []string, hijack bool) error
	Reset(ctx context.Context) error
	Flush(ctx context.Context) error
	Applied() *protocol.DNSStatus
}

// TUNControl manages the tunnel interface stack.
type TUNControl interface {
	Enable(ctx context.Context, dnsServer string) (protocol.TUNStatus, error)
	Disable(ctx context.Context) (protocol.TUNStatus, error)
	Status() protocol.TUNStatus
}

// PortLister enumerates local listening ports.
type PortLister interface {
	Used(ctx context.Context) ([]int, error)
}

// ConnectivityProber tests reachability through the engine.
type ConnectivityProber interface {
	Test(ctx context.Context, params protocol.ProbeParams) (protocol.ProbeResult, error)
}

// Daemon routes requests to subsystem controllers.
type Daemon struct {
	version   string
	cfg       *core.Config
	startedAt time.Time

	engine EngineControl
	proxy  ProxyControl
	dns    DNSControl
	tun    TUNControl
	ports  PortLister
	prober ConnectivityProber

	// One mutating operation per subsystem; a second caller is told to
	// come back instead of queueing behind a slow networksetup run.
	engineMu sync.Mutex
	proxyMu  sync.Mutex
	dnsMu    sync.Mutex
	tunMu    sync.Mutex

	// stateMu guards the daemon-level state machine: "initializing" until
	// the controller starts serving, "error" after a failed mutating
	// operation until the next one succeeds.
	stateMu   sync.Mutex
	ready     bool
	lastError string
}

// New wires a Daemon with the real subsystem controllers.
func New(version string, cfg *core.Config) *Daemon {
	run := execx.New(cfg.ExecTimeout())
	return &Daemon{
		version:   version,
		cfg:       cfg,
		startedAt: time.Now(),
		engine:    engine.NewSupervisor(cfg.Engine),
		proxy:     sysproxy.NewManager(run),
		dns:       dnsconf.NewManager(run),
		tun:       tun.NewManager(run, cfg.TUN),
		ports:     ports.NewScanner(run),
		prober:    probe.New(),
	}
}

// Handle implements ipc.Handler. Validation runs before any subsystem is
// touched; a panicking subsystem produces an error response instead of
// tearing the daemon down.
func (d *Daemon) Handle(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			core.Log.Errorf("Daemon", "panic in %s: %v\n%s", req.Method, r, debug.Stack())
			resp = protocol.ErrorResponse(protocol.Errf(
				protocol.DomainService, protocol.CodeUnavailable, "internal failure in %s", req.Method))
		}
	}()

	if err := req.Validate(); err != nil {
		return protocol.ErrorResponse(err)
	}

	core.Log.Debugf("Daemon", "dispatch %s id=%s", req.Method, req.ID)

	switch req.Method {
	case protocol.MethodGetVersion:
		r := protocol.OKResponse()
		r.Version = d.version
		return r

	case protocol.MethodGetStatus:
		r := protocol.OKResponse()
		r.Status = d.snapshot()
		return r

	case protocol.MethodStartEngine:
		return d.withLock(&d.engineMu, "engine", func() *protocol.Response {
			rec, err := d.engine.Start(ctx, req.Engine.BinaryPath, req.Engine.ConfigPath, req.Engine.ConfigContent)
			if err != nil {
				return protocol.ErrorResponse(err)
			}
			r := protocol.OKResponse()
			r.Engine = rec
			return r
		})

	case protocol.MethodStopEngine:
		return d.withLock(&d.engineMu, "engine", func() *protocol.Response {
			stopped, err := d.engine.Stop(ctx, d.cfg.StopTimeout())
			if err != nil {
				return protocol.ErrorResponse(err)
			}
			if !stopped {
				return protocol.MessageResponse("engine was not running")
			}
			return protocol.OKResponse()
		})

	case protocol.MethodRestartEngine:
		return d.withLock(&d.engineMu, "engine", func() *protocol.Response {
			rec, err := d.engine.Restart(ctx, d.cfg.StopTimeout())
			if err != nil {
				return protocol.ErrorResponse(err)
			}
			r := protocol.OKResponse()
			r.Engine = rec
			return r
		})

	case protocol.MethodEnableSystemProxy:
		return d.withLock(&d.proxyMu, "proxy", func() *protocol.Response {
			if err := d.proxy.Enable(ctx, *req.Proxy); err != nil {
				return protocol.ErrorResponse(err)
			}
			return protocol.OKResponse()
		})

	case protocol.MethodDisableSystemProxy:
		return d.withLock(&d.proxyMu, "proxy", func() *protocol.Response {
			if err := d.proxy.Disable(ctx); err != nil {
				return protocol.ErrorResponse(err)
			}
			return protocol.OKResponse()
		})

	case protocol.MethodGetSystemProxyStatus:
		st, err := d.proxy.Status(ctx, req.Proxy)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		r := protocol.OKResponse()
		r.Proxy = st
		return r

	case protocol.MethodConfigureDNS:
		return d.withLock(&d.dnsMu, "dns", func() *protocol.Response {
			if err := d.dns.Configure(ctx, req.DNS.Servers, req.DNS.Hijack); err != nil {
				return protocol.ErrorResponse(err)
			}
			r := protocol.OKResponse()
			r.DNS = d.dns.Applied()
			return r
		})

	case protocol.MethodFlushDNSCache:
		return d.withLock(&d.dnsMu, "dns", func() *protocol.Response {
			if err := d.dns.Flush(ctx); err != nil {
				return protocol.ErrorResponse(err)
			}
			return protocol.OKResponse()
		})

	case protocol.MethodGetUsedPorts:
		list, err := d.ports.Used(ctx)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		r := protocol.OKResponse()
		r.Ports = list
		return r

	case protocol.MethodTestConnectivity:
		res, err := d.prober.Test(ctx, *req.Probe)
		if err != nil {
			return protocol.ErrorResponse(err)
		}
		r := protocol.OKResponse()
		r.Probe = &res
		return r

	case protocol.MethodEnableTUN:
		return d.withLock(&d.tunMu, "tun", func() *protocol.Response {
			st, err := d.tun.Enable(ctx, req.TUN.DNSServer)
			if err != nil {
				return protocol.ErrorResponse(err)
			}
			r := protocol.OKResponse()
			r.TUN = &st
			return r
		})

	case protocol.MethodDisableTUN:
		return d.withLock(&d.tunMu, "tun", func() *protocol.Response {
			st, err := d.tun.Disable(ctx)
			if err != nil {
				return protocol.ErrorResponse(err)
			}
			r := protocol.OKResponse()
			r.TUN = &st
			return r
		})

	case protocol.MethodGetTUNStatus:
		st := d.tun.Status()
		r := protocol.OKResponse()
		r.TUN = &st
		return r
	}

	// Validate already rejected unknown methods.
	return protocol.ErrorResponse(protocol.Errf(
		protocol.DomainService, protocol.CodeUnknownMethod, "unknown method %q", req.Method))
}

// withLock runs fn holding the subsystem mutex, or rejects immediately
// when another operation on the same subsystem is in flight. The outcome
// feeds the daemon-level state machine: a failure is recorded as the
// error cause, the next success clears it.
func (d *Daemon) withLock(mu *sync.Mutex, subsystem string, fn func() *protocol.Response) *protocol.Response {
	if !mu.TryLock() {
		core.Log.Warnf("Daemon", "%s operation rejected: another is in progress", subsystem)
		return protocol.ErrorResponse(protocol.Errf(
			protocol.DomainState, protocol.CodeBusy, "another %s operation is in progress", subsystem))
	}
	defer mu.Unlock()

	resp := fn()
	d.stateMu.Lock()
	if resp != nil && resp.Error != nil {
		d.lastError = fmt.Sprintf("%s: %s", subsystem, resp.Error.Message)
		core.Log.Warnf("Daemon", "entering error state: %s", d.lastError)
	} else {
		d.lastError = ""
	}
	d.stateMu.Unlock()
	return resp
}

// markReady transitions the daemon out of "initializing". Called by the
// controller once the IPC server is accepting connections.
func (d *Daemon) markReady() {
	d.stateMu.Lock()
	d.ready = true
	d.stateMu.Unlock()
}

// Cleanup rolls every subsystem back to its pristine state. Called on
// daemon shutdown so a crash-prone front-end can never strand the
// machine behind a dead proxy.
func (d *Daemon) Cleanup(ctx context.Context) {
	if st := d.tun.Status(); st.Active {
		if _, err := d.tun.Disable(ctx); err != nil {
			core.Log.Warnf("Daemon", "cleanup: tun: %v", err)
		}
	}
	if d.proxy.Enabled() {
		if err := d.proxy.Disable(ctx); err != nil {
			core.Log.Warnf("Daemon", "cleanup: system proxy: %v", err)
		}
	}
	if d.dns.Applied() != nil {
		if err := d.dns.Reset(ctx); err != nil {
			core.Log.Warnf("Daemon", "cleanup: dns: %v", err)
		}
	}
	if d.engine.Running() {
		if _, err := d.engine.Stop(ctx, d.cfg.StopTimeout()); err != nil {
			core.Log.Warnf("Daemon", "cleanup: engine: %v", err)
		}
	}
}

// Busy reports whether any subsystem still holds externally visible
// state. The idle-shutdown path refuses to exit while this is true.
func (d *Daemon) Busy() bool {
	return d.engine.Running() || d.proxy.Enabled() || d.tun.Status().Active
}
