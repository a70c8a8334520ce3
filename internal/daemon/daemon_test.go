package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

type fakeEngine struct {
	calls   []string
	rec     *protocol.EngineRecord
	err     error
	blockCh chan struct{} // when set, Start blocks until closed
	started chan struct{}
}

func (f *fakeEngine) Start(ctx context.Context, binary, config string, content []byte) (*protocol.EngineRecord, error) {
	f.calls = append(f.calls, "start")
	if f.blockCh != nil {
		close(f.started)
		<-f.blockCh
	}
	return f.rec, f.err
}

func (f *fakeEngine) Stop(ctx context.Context, timeout time.Duration) (bool, error) {
	f.calls = append(f.calls, "stop")
	return f.rec != nil, f.err
}

func (f *fakeEngine) Restart(ctx context.Context, timeout time.Duration) (*protocol.EngineRecord, error) {
	f.calls = append(f.calls, "restart")
	return f.rec, f.err
}

func (f *fakeEngine) Record() *protocol.EngineRecord { return f.rec }
func (f *fakeEngine) Running() bool                  { return f.rec != nil }

type fakeProxy struct {
	calls   []string
	enabled bool
	err     error
	panics  bool
}

func (f *fakeProxy) Enable(ctx context.Context, p protocol.ProxyParams) error {
	if f.panics {
		panic("proxy blew up")
	}
	f.calls = append(f.calls, "enable")
	f.enabled = f.err == nil
	return f.err
}

func (f *fakeProxy) Disable(ctx context.Context) error {
	f.calls = append(f.calls, "disable")
	f.enabled = false
	return f.err
}

func (f *fakeProxy) Status(ctx context.Context, expected *protocol.ProxyParams) (*protocol.ProxyStatus, error) {
	f.calls = append(f.calls, "status")
	return &protocol.ProxyStatus{Enabled: f.enabled}, f.err
}

func (f *fakeProxy) Enabled() bool { return f.enabled }

type fakeDNS struct {
	calls   []string
	applied *protocol.DNSStatus
}

func (f *fakeDNS) Configure(ctx context.Context, servers []string, hijack bool) error {
	f.calls = append(f.calls, "configure")
	f.applied = &protocol.DNSStatus{Servers: servers, Hijack: hijack}
	return nil
}

func (f *fakeDNS) Reset(ctx context.Context) error {
	f.calls = append(f.calls, "reset")
	f.applied = nil
	return nil
}

func (f *fakeDNS) Flush(ctx context.Context) error {
	f.calls = append(f.calls, "flush")
	return nil
}

func (f *fakeDNS) Applied() *protocol.DNSStatus { return f.applied }

type fakeTUN struct {
	calls  []string
	active bool
	err    error
}

func (f *fakeTUN) Enable(ctx context.Context, dnsServer string) (protocol.TUNStatus, error) {
	f.calls = append(f.calls, "enable")
	if f.err == nil {
		f.active = true
	}
	return f.Status(), f.err
}

func (f *fakeTUN) Disable(ctx context.Context) (protocol.TUNStatus, error) {
	f.calls = append(f.calls, "disable")
	f.active = false
	return f.Status(), f.err
}

func (f *fakeTUN) Status() protocol.TUNStatus {
	st := protocol.TUNStatus{Active: f.active, Method: "utun-pf"}
	if f.active {
		st.Interface = "utun7"
	}
	return st
}

type fakePorts struct{ list []int }

func (f *fakePorts) Used(ctx context.Context) ([]int, error) { return f.list, nil }

type fakeProber struct{ res protocol.ProbeResult }

func (f *fakeProber) Test(ctx context.Context, params protocol.ProbeParams) (protocol.ProbeResult, error) {
	return f.res, nil
}

type fixture struct {
	d      *Daemon
	engine *fakeEngine
	proxy  *fakeProxy
	dns    *fakeDNS
	tun    *fakeTUN
}

func newFixture() *fixture {
	f := newStartingFixture()
	f.d.markReady()
	return f
}

// newStartingFixture builds a daemon that has not started serving yet.
func newStartingFixture() *fixture {
	cfg := core.DefaultConfig()
	f := &fixture{
		engine: &fakeEngine{},
		proxy:  &fakeProxy{},
		dns:    &fakeDNS{},
		tun:    &fakeTUN{},
	}
	f.d = &Daemon{
		version:   "test",
		cfg:       &cfg,
		startedAt: time.Now(),
		engine:    f.engine,
		proxy:     f.proxy,
		dns:       f.dns,
		tun:       f.tun,
		ports:     &fakePorts{list: []int{7890, 9090}},
		prober:    &fakeProber{res: protocol.ProbeResult{Reachable: true, LatencyMS: 42}},
	}
	return f
}

func wantErrCode(t *testing.T, resp *protocol.Response, domain protocol.Domain, code string) {
	t.Helper()
	if resp.OK {
		t.Fatalf("resp = %+v, want error %s/%s", resp, domain, code)
	}
	if resp.Error == nil || resp.Error.Domain != domain || resp.Error.Code != code {
		t.Fatalf("error = %+v, want %s/%s", resp.Error, domain, code)
	}
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture()
	resp := f.d.Handle(context.Background(), &protocol.Request{Method: "selfDestruct"})
	wantErrCode(t, resp, protocol.DomainService, protocol.CodeUnknownMethod)
}

func TestMissingFieldsRejectBeforeDispatch(t *testing.T) {
	f := newFixture()
	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodStartEngine})
	wantErrCode(t, resp, protocol.DomainConfig, protocol.CodeMissingField)
	if len(f.engine.calls) != 0 {
		t.Fatalf("engine touched despite invalid request: %v", f.engine.calls)
	}
}

func TestStartEngineReturnsRecord(t *testing.T) {
	f := newFixture()
	f.engine.rec = &protocol.EngineRecord{PID: 4242, BinaryPath: "/opt/mihomo"}

	resp := f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodStartEngine,
		Engine: &protocol.EngineParams{BinaryPath: "/opt/mihomo", ConfigPath: "/tmp/c.yaml"},
	})
	if !resp.OK || resp.Engine == nil || resp.Engine.PID != 4242 {
		t.Fatalf("resp = %+v, want engine record pid 4242", resp)
	}
}

func TestStopEngineWhenStoppedIsBenign(t *testing.T) {
	f := newFixture()
	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodStopEngine})
	if !resp.OK || resp.Message == "" {
		t.Fatalf("resp = %+v, want ok with message", resp)
	}
}

func TestConcurrentEngineOpsRejected(t *testing.T) {
	f := newFixture()
	f.engine.blockCh = make(chan struct{})
	f.engine.started = make(chan struct{})

	go f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodStartEngine,
		Engine: &protocol.EngineParams{ConfigPath: "/tmp/c.yaml"},
	})
	<-f.engine.started

	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodStopEngine})
	wantErrCode(t, resp, protocol.DomainState, protocol.CodeBusy)
	close(f.engine.blockCh)
}

func TestBusyEngineDoesNotBlockOtherSubsystems(t *testing.T) {
	f := newFixture()
	f.engine.blockCh = make(chan struct{})
	f.engine.started = make(chan struct{})

	go f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodStartEngine,
		Engine: &protocol.EngineParams{ConfigPath: "/tmp/c.yaml"},
	})
	<-f.engine.started

	resp := f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodEnableSystemProxy,
		Proxy:  &protocol.ProxyParams{HTTPPort: 7890},
	})
	if !resp.OK {
		t.Fatalf("proxy op must not be blocked by engine op: %+v", resp)
	}
	close(f.engine.blockCh)
}

func TestPanicBecomesErrorResponse(t *testing.T) {
	f := newFixture()
	f.proxy.panics = true

	resp := f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodEnableSystemProxy,
		Proxy:  &protocol.ProxyParams{HTTPPort: 7890},
	})
	wantErrCode(t, resp, protocol.DomainService, protocol.CodeUnavailable)
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture()
	f.engine.rec = &protocol.EngineRecord{PID: 4242}
	f.proxy.enabled = true
	f.tun.active = true
	f.dns.applied = &protocol.DNSStatus{Servers: []string{"198.18.0.2"}}

	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetStatus})
	if !resp.OK || resp.Status == nil {
		t.Fatalf("resp = %+v, want status", resp)
	}
	st := resp.Status
	if st.Version != "test" || st.State != "running" || !st.EngineRunning ||
		!st.SystemProxy || !st.TUN.Active || st.DNS == nil {
		t.Fatalf("snapshot = %+v", st)
	}
}

func TestStateInitializingUntilServing(t *testing.T) {
	f := newStartingFixture()

	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetStatus})
	if !resp.OK || resp.Status.State != "initializing" {
		t.Fatalf("snapshot = %+v, want initializing state", resp.Status)
	}

	f.d.markReady()
	resp = f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetStatus})
	if resp.Status.State != "idle" {
		t.Fatalf("state = %q, want idle after ready", resp.Status.State)
	}
}

func TestStateRecordsFailureCauseUntilNextSuccess(t *testing.T) {
	f := newFixture()
	f.proxy.err = errors.New("networksetup exploded")

	resp := f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodEnableSystemProxy,
		Proxy:  &protocol.ProxyParams{HTTPPort: 7890},
	})
	if resp.OK {
		t.Fatalf("resp = %+v, want error", resp)
	}

	resp = f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetStatus})
	st := resp.Status
	if st.State != "error" || st.LastError == "" {
		t.Fatalf("snapshot = %+v, want error state with cause", st)
	}

	// The next successful mutating operation clears the error.
	f.proxy.err = nil
	resp = f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodDisableSystemProxy})
	if !resp.OK {
		t.Fatalf("disable failed: %+v", resp)
	}
	resp = f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetStatus})
	if resp.Status.State != "idle" || resp.Status.LastError != "" {
		t.Fatalf("snapshot = %+v, want idle with no cause", resp.Status)
	}
}

func TestUsedPortsAndProbe(t *testing.T) {
	f := newFixture()

	resp := f.d.Handle(context.Background(), &protocol.Request{Method: protocol.MethodGetUsedPorts})
	if !resp.OK || len(resp.Ports) != 2 {
		t.Fatalf("ports resp = %+v", resp)
	}

	resp = f.d.Handle(context.Background(), &protocol.Request{
		Method: protocol.MethodTestConnectivity,
		Probe:  &protocol.ProbeParams{SOCKSPort: 7891},
	})
	if !resp.OK || resp.Probe == nil || !resp.Probe.Reachable || resp.Probe.LatencyMS != 42 {
		t.Fatalf("probe resp = %+v", resp)
	}
}

func TestCleanupRollsBackEverything(t *testing.T) {
	f := newFixture()
	f.engine.rec = &protocol.EngineRecord{PID: 4242}
	f.proxy.enabled = true
	f.tun.active = true
	f.dns.applied = &protocol.DNSStatus{Servers: []string{"198.18.0.2"}}

	f.d.Cleanup(context.Background())

	if f.tun.active || f.proxy.enabled || f.dns.applied != nil {
		t.Fatalf("cleanup incomplete: tun=%v proxy=%v dns=%v", f.tun.active, f.proxy.enabled, f.dns.applied)
	}
	if len(f.engine.calls) == 0 || f.engine.calls[len(f.engine.calls)-1] != "stop" {
		t.Fatalf("engine not stopped: %v", f.engine.calls)
	}
}

func TestBusyReflectsHeldState(t *testing.T) {
	f := newFixture()
	if f.d.Busy() {
		t.Fatal("fresh daemon must not be busy")
	}
	f.proxy.enabled = true
	if !f.d.Busy() {
		t.Fatal("enabled proxy must mark the daemon busy")
	}
}
