package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mihomo-helper/internal/protocol"
)

type handlerFunc func(ctx context.Context, req *protocol.Request) *protocol.Response

func (f handlerFunc) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	return f(ctx, req)
}

func startServer(t *testing.T, h Handler, opts ...ServerOption) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "d.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	srv := NewServer(ln, h, opts...)
	go srv.Serve()
	t.Cleanup(srv.Close)
	return path
}

func TestRoundTrip(t *testing.T) {
	path := startServer(t, handlerFunc(func(_ context.Context, req *protocol.Request) *protocol.Response {
		if req.Method != protocol.MethodGetVersion {
			t.Errorf("method = %s, want getVersion", req.Method)
		}
		resp := protocol.OKResponse()
		resp.Version = "1.2.3"
		return resp
	}))

	c := NewClient(path)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v != "1.2.3" {
		t.Fatalf("version = %q, want 1.2.3", v)
	}
}

func TestDaemonErrorSurfacesTyped(t *testing.T) {
	path := startServer(t, handlerFunc(func(_ context.Context, _ *protocol.Request) *protocol.Response {
		return protocol.ErrorResponse(protocol.Errf(
			protocol.DomainProcess, protocol.CodeLaunchFailed, "spawn failed"))
	}))

	c := NewClient(path)
	_, err := c.StartEngine(context.Background(), protocol.EngineParams{ConfigPath: "/tmp/c.yaml"})
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if pe.Domain != protocol.DomainProcess || pe.Code != protocol.CodeLaunchFailed {
		t.Fatalf("err = %s/%s, want process/launch_failed", pe.Domain, pe.Code)
	}
}

func TestMalformedRequestGetsDecodeError(t *testing.T) {
	path := startServer(t, handlerFunc(func(_ context.Context, _ *protocol.Request) *protocol.Response {
		t.Error("handler must not run for malformed input")
		return protocol.OKResponse()
	}))

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Code != protocol.CodeDecode {
		t.Fatalf("resp = %+v, want decode error", resp)
	}
}

func TestClientRetriesTransientOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	ln, err := Listen(path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	attempts := make(chan struct{}, 4)
	go func() {
		// First connection is dropped without a response; the retry gets a
		// real answer.
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		attempts <- struct{}{}
		conn.Close()

		conn, err = ln.Accept()
		if err != nil {
			return
		}
		attempts <- struct{}{}
		defer conn.Close()
		var req protocol.Request
		if err := json.NewDecoder(conn).Decode(&req); err != nil {
			t.Errorf("decode retry request: %v", err)
			return
		}
		resp := protocol.OKResponse()
		resp.Version = "retry-ok"
		json.NewEncoder(conn).Encode(resp)
	}()

	c := NewClient(path)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatalf("Version after retry: %v", err)
	}
	if v != "retry-ok" {
		t.Fatalf("version = %q, want retry-ok", v)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
}

func TestClientDoesNotRetryTerminalErrors(t *testing.T) {
	calls := 0
	path := startServer(t, handlerFunc(func(_ context.Context, _ *protocol.Request) *protocol.Response {
		calls++
		return protocol.ErrorResponse(protocol.Errf(
			protocol.DomainNetwork, protocol.CodeProxyApply, "networksetup failed"))
	}))

	c := NewClient(path)
	if err := c.EnableSystemProxy(context.Background(), protocol.ProxyParams{HTTPPort: 7890}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
}

func TestClientWrapsDialFailureTyped(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "nobody-home.sock"))
	c.SetTimeout(200 * time.Millisecond)

	_, err := c.Version(context.Background())
	var pe *protocol.Error
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *protocol.Error", err)
	}
	if pe.Domain != protocol.DomainTransport || pe.Code != protocol.CodeUnavailable {
		t.Fatalf("err = %s/%s, want transport/unavailable", pe.Domain, pe.Code)
	}
	if !strings.Contains(pe.Message, string(protocol.MethodGetVersion)) {
		t.Fatalf("message %q should name the failing method", pe.Message)
	}
}

func TestPeerCheckerRejects(t *testing.T) {
	path := startServer(t,
		handlerFunc(func(_ context.Context, _ *protocol.Request) *protocol.Response {
			t.Error("handler must not run for rejected peer")
			return protocol.OKResponse()
		}),
		WithPeerChecker(func(net.Conn) error { return fmt.Errorf("unknown peer") }),
	)

	c := NewClient(path)
	_, err := c.Version(context.Background())
	var pe *protocol.Error
	if !errors.As(err, &pe) || pe.Code != protocol.CodeDenied {
		t.Fatalf("err = %v, want %s", err, protocol.CodeDenied)
	}
}

func TestConnTrackerIdleFires(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(30*time.Millisecond, func() { idle <- struct{}{} })

	ct.ConnOpened()
	ct.ConnClosed()

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback never fired")
	}
}

func TestConnTrackerReconnectCancelsGrace(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(50*time.Millisecond, func() { idle <- struct{}{} })

	ct.ConnOpened()
	ct.ConnClosed()
	ct.ConnOpened() // within grace

	select {
	case <-idle:
		t.Fatal("idle fired despite reconnect")
	case <-time.After(150 * time.Millisecond):
	}
	if got := ct.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestConnTrackerStaleExpiryAfterReconnectIsNoOp(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(time.Hour, func() { idle <- struct{}{} })

	ct.ConnOpened()
	ct.ConnClosed()
	ct.ConnOpened() // reconnect cancels the pending timer

	// An expiry that lost the race to the reconnect must not fire.
	ct.graceExpired()

	select {
	case <-idle:
		t.Fatal("stale expiry invoked the idle callback")
	default:
	}
	if got := ct.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
}

func TestConnTrackerCancelGrace(t *testing.T) {
	idle := make(chan struct{}, 1)
	ct := NewConnTracker(30*time.Millisecond, func() { idle <- struct{}{} })

	ct.ConnOpened()
	ct.ConnClosed()
	ct.CancelGrace()

	select {
	case <-idle:
		t.Fatal("idle fired after CancelGrace")
	case <-time.After(100 * time.Millisecond):
	}
}
