package tun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

type fakeRunner struct {
	calls   [][]string
	outputs map[string]string // command-line prefix -> output
	failOn  string            // fail any command whose line contains this
	failMsg string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, append([]string{name}, args...))
	if f.failOn != "" && strings.Contains(line, f.failOn) {
		msg := f.failMsg
		if msg == "" {
			msg = "exit status 1"
		}
		return "", fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(line, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeRunner) lines() []string {
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

type fakeDevice struct {
	name   string
	closed bool
}

func (d *fakeDevice) Name() string { return d.name }
func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func testConfig(t *testing.T) core.TUNConfig {
	t.Helper()
	return core.TUNConfig{
		Address:           "198.18.0.1",
		PrefixLen:         30,
		MTU:               1500,
		NATInterface:      "en0",
		RulesPath:         filepath.Join(t.TempDir(), "pf.conf"),
		MaxInterfaceIndex: 8,
	}
}

func newTestManager(t *testing.T, run *fakeRunner) (*Manager, *fakeDevice) {
	t.Helper()
	dev := &fakeDevice{name: "utun7"}
	m := NewManager(run, testConfig(t))
	m.openDevice = func(int) (Device, error) { return dev, nil }
	m.euid = func() int { return 0 }
	return m, dev
}

func TestEnableActivates(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)

	st, err := m.Enable(context.Background(), "198.18.0.2")
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !st.Active || st.Interface != "utun7" {
		t.Fatalf("status = %+v, want active on utun7", st)
	}

	want := []string{
		"ifconfig utun7 inet 198.18.0.1/30 198.18.0.1 up",
		"ifconfig utun7 mtu 1500",
		"route -n add -net 0.0.0.0/1 -interface utun7",
		"route -n add -net 128.0.0.0/1 -interface utun7",
		"route -n add -host 198.18.0.2 -interface utun7",
		"pfctl -f " + m.cfg.RulesPath,
		"pfctl -e",
	}
	got := run.lines()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command %d = %q, want %q", i, got[i], want[i])
		}
	}

	if _, err := os.Stat(m.cfg.RulesPath); !os.IsNotExist(err) {
		t.Fatalf("rules file should be removed after load")
	}
}

func TestEnableRequiresRoot(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)
	m.euid = func() int { return 501 }

	_, err := m.Enable(context.Background(), "198.18.0.2")
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeNotPrivileged {
		t.Fatalf("err = %v, want %s", err, protocol.CodeNotPrivileged)
	}
	if len(run.calls) != 0 {
		t.Fatalf("no commands expected, got %v", run.lines())
	}
}

func TestEnableRejectsBadDNSServer(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)

	_, err := m.Enable(context.Background(), "not-an-ip")
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeInvalidField {
		t.Fatalf("err = %v, want %s", err, protocol.CodeInvalidField)
	}
	if len(run.calls) != 0 {
		t.Fatalf("no commands expected, got %v", run.lines())
	}
}

func TestEnableInterfaceFailureLeavesInactive(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)
	m.openDevice = func(int) (Device, error) { return nil, errors.New("no slots") }

	st, err := m.Enable(context.Background(), "198.18.0.2")
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeInterface {
		t.Fatalf("err = %v, want %s", err, protocol.CodeInterface)
	}
	if st.Active {
		t.Fatalf("status = %+v, want inactive", st)
	}
}

func TestEnableRouteFailureRollsBack(t *testing.T) {
	run := &fakeRunner{failOn: "add -net 128.0.0.0/1"}
	m, dev := newTestManager(t, run)

	st, err := m.Enable(context.Background(), "198.18.0.2")
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeRouting {
		t.Fatalf("err = %v, want %s", err, protocol.CodeRouting)
	}
	if st.Active {
		t.Fatalf("status = %+v, want inactive", st)
	}
	if !dev.closed {
		t.Fatalf("device should be closed after rollback")
	}
	// The one route that made it in must be deleted, pf never touched.
	var sawDelete, sawPfctl bool
	for _, line := range run.lines() {
		if strings.Contains(line, "delete -net 0.0.0.0/1") {
			sawDelete = true
		}
		if strings.HasPrefix(line, "pfctl") {
			sawPfctl = true
		}
	}
	if !sawDelete {
		t.Fatalf("installed route not deleted: %v", run.lines())
	}
	if sawPfctl {
		t.Fatalf("pfctl must not run after route failure: %v", run.lines())
	}
}

func TestEnableFilterFailureRollsBack(t *testing.T) {
	run := &fakeRunner{failOn: "pfctl -f"}
	m, dev := newTestManager(t, run)

	st, err := m.Enable(context.Background(), "198.18.0.2")
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodePacketFilter {
		t.Fatalf("err = %v, want %s", err, protocol.CodePacketFilter)
	}
	if st.Active {
		t.Fatalf("status = %+v, want inactive", st)
	}
	if !dev.closed {
		t.Fatalf("device should be closed after rollback")
	}

	// All three routes deleted, in reverse install order.
	var deletes []string
	for _, line := range run.lines() {
		if strings.Contains(line, " delete ") {
			deletes = append(deletes, line)
		}
	}
	want := []string{
		"route -n delete -host 198.18.0.2 -interface utun7",
		"route -n delete -net 128.0.0.0/1 -interface utun7",
		"route -n delete -net 0.0.0.0/1 -interface utun7",
	}
	if len(deletes) != len(want) {
		t.Fatalf("deletes = %v, want %v", deletes, want)
	}
	for i := range want {
		if deletes[i] != want[i] {
			t.Fatalf("delete %d = %q, want %q", i, deletes[i], want[i])
		}
	}
}

func TestDisableReversesSetup(t *testing.T) {
	run := &fakeRunner{}
	m, dev := newTestManager(t, run)
	if _, err := m.Enable(context.Background(), "198.18.0.2"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	run.calls = nil

	st, err := m.Disable(context.Background())
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if st.Active {
		t.Fatalf("status = %+v, want inactive", st)
	}
	if !dev.closed {
		t.Fatalf("device not closed")
	}

	lines := run.lines()
	if len(lines) == 0 || lines[0] != "pfctl -d" {
		t.Fatalf("teardown must disable pf first, got %v", lines)
	}
}

func TestDisableIdempotent(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)

	st, err := m.Disable(context.Background())
	if err != nil {
		t.Fatalf("Disable on inactive: %v", err)
	}
	if st.Active || len(run.calls) != 0 {
		t.Fatalf("disable on inactive must be a no-op, got %v", run.lines())
	}
}

func TestEnableToleratesExistingRoute(t *testing.T) {
	run := &fakeRunner{failOn: "add -net 0.0.0.0/1", failMsg: "route: writing to routing socket: File exists"}
	m, _ := newTestManager(t, run)

	st, err := m.Enable(context.Background(), "198.18.0.2")
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !st.Active {
		t.Fatalf("status = %+v, want active", st)
	}
}

func TestEnableIdempotent(t *testing.T) {
	run := &fakeRunner{}
	m, _ := newTestManager(t, run)
	if _, err := m.Enable(context.Background(), "198.18.0.2"); err != nil {
		t.Fatalf("first Enable: %v", err)
	}
	run.calls = nil

	st, err := m.Enable(context.Background(), "198.18.0.2")
	if err != nil {
		t.Fatalf("second Enable: %v", err)
	}
	if !st.Active || len(run.calls) != 0 {
		t.Fatalf("second enable must be a no-op, got %v", run.lines())
	}
}

func TestUplinkAutoDiscovery(t *testing.T) {
	run := &fakeRunner{outputs: map[string]string{
		"route -n get default": "   route to: default\ngateway: 192.168.1.1\n  interface: en5\n",
	}}
	m, _ := newTestManager(t, run)
	m.cfg.NATInterface = ""

	rulesSeen := make(chan string, 1)
	m.cfg.RulesPath = filepath.Join(t.TempDir(), "pf.conf")
	origRun := m.run
	m.run = runnerFunc(func(ctx context.Context, name string, args ...string) (string, error) {
		if name == "pfctl" && len(args) == 2 && args[0] == "-f" {
			data, err := os.ReadFile(args[1])
			if err != nil {
				t.Errorf("read rules: %v", err)
			}
			rulesSeen <- string(data)
		}
		return origRun.Run(ctx, name, args...)
	})

	if _, err := m.Enable(context.Background(), "198.18.0.2"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	rules := <-rulesSeen
	if !strings.Contains(rules, "nat on en5 inet from 198.18.0.0/30 to any -> (en5)") {
		t.Fatalf("rules missing discovered uplink nat line:\n%s", rules)
	}
}

type runnerFunc func(ctx context.Context, name string, args ...string) (string, error)

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) (string, error) {
	return f(ctx, name, args...)
}

func TestBuildRules(t *testing.T) {
	rules, err := buildRules("en0", "utun7", "198.18.0.1", 30)
	if err != nil {
		t.Fatalf("buildRules: %v", err)
	}
	want := "nat on en0 inet from 198.18.0.0/30 to any -> (en0)\n" +
		"pass on utun7 all\n" +
		"pass out on en0 inet from (en0) to any\n"
	if rules != want {
		t.Fatalf("rules = %q, want %q", rules, want)
	}
}
