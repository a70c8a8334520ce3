package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

const defaultCallTimeout = 10 * time.Second

// Client issues requests to the daemon, dialing a fresh connection per
// call. A call that fails with a transient transport error (connection
// invalidated mid-flight, daemon restarting, stale socket) is retried
// exactly once; terminal errors surface immediately.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client for the daemon socket at path. An empty
// path selects the default socket location.
func NewClient(path string) *Client {
	if path == "" {
		path = core.DefaultSocketPath
	}
	return &Client{socketPath: path, timeout: defaultCallTimeout}
}

// SetTimeout overrides the per-call timeout.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Call sends one request and waits for its response. When the daemon
// answered but reported failure, the returned error is the daemon's typed
// error and the response is still returned for inspection.
func (c *Client) Call(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	resp, err := c.callOnce(ctx, req)
	if err != nil && protocol.IsTransient(err) && ctx.Err() == nil {
		core.Log.Debugf("IPC", "%s failed transiently (%v), retrying once", req.Method, err)
		resp, err = c.callOnce(ctx, req)
	}
	if err != nil {
		return nil, protocol.WrapErr(protocol.DomainTransport, protocol.CodeUnavailable,
			fmt.Errorf("%s: %w", req.Method, err))
	}
	if !resp.OK {
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, protocol.Errf(protocol.DomainService, protocol.CodeUnavailable,
			"%s failed without error detail", req.Method)
	}
	return resp, nil
}

func (c *Client) callOnce(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Version fetches the daemon's version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodGetVersion})
	if err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Status fetches the composite daemon status snapshot.
func (c *Client) Status(ctx context.Context) (*protocol.StatusSnapshot, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodGetStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// StartEngine launches the proxy engine and returns its launch record.
func (c *Client) StartEngine(ctx context.Context, params protocol.EngineParams) (*protocol.EngineRecord, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodStartEngine, Engine: &params})
	if err != nil {
		return nil, err
	}
	return resp.Engine, nil
}

// StopEngine stops the engine. Stopping an already stopped engine succeeds.
func (c *Client) StopEngine(ctx context.Context) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodStopEngine})
	return err
}

// RestartEngine stops and relaunches the engine with its stored parameters.
func (c *Client) RestartEngine(ctx context.Context) (*protocol.EngineRecord, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodRestartEngine})
	if err != nil {
		return nil, err
	}
	return resp.Engine, nil
}

// EnableSystemProxy points OS proxy settings at the engine's listeners.
func (c *Client) EnableSystemProxy(ctx context.Context, params protocol.ProxyParams) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodEnableSystemProxy, Proxy: &params})
	return err
}

// DisableSystemProxy restores the pre-enable OS proxy settings.
func (c *Client) DisableSystemProxy(ctx context.Context) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodDisableSystemProxy})
	return err
}

// SystemProxyStatus reads live OS proxy settings. When expected is
// non-nil the response includes a comparison verdict.
func (c *Client) SystemProxyStatus(ctx context.Context, expected *protocol.ProxyParams) (*protocol.ProxyStatus, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodGetSystemProxyStatus, Proxy: expected})
	if err != nil {
		return nil, err
	}
	return resp.Proxy, nil
}

// ConfigureDNS sets system resolvers on every network service.
func (c *Client) ConfigureDNS(ctx context.Context, params protocol.DNSParams) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodConfigureDNS, DNS: &params})
	return err
}

// FlushDNSCache drops OS resolver caches.
func (c *Client) FlushDNSCache(ctx context.Context) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodFlushDNSCache})
	return err
}

// UsedPorts lists local TCP listening ports.
func (c *Client) UsedPorts(ctx context.Context) ([]int, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodGetUsedPorts})
	if err != nil {
		return nil, err
	}
	return resp.Ports, nil
}

// TestConnectivity probes reachability through the engine's SOCKS listener.
func (c *Client) TestConnectivity(ctx context.Context, params protocol.ProbeParams) (*protocol.ProbeResult, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodTestConnectivity, Probe: &params})
	if err != nil {
		return nil, err
	}
	return resp.Probe, nil
}

// EnableTUN brings up the tunnel interface stack.
func (c *Client) EnableTUN(ctx context.Context, params protocol.TUNParams) (*protocol.TUNStatus, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodEnableTUN, TUN: &params})
	if err != nil {
		return nil, err
	}
	return resp.TUN, nil
}

// DisableTUN tears the tunnel stack down.
func (c *Client) DisableTUN(ctx context.Context) error {
	_, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodDisableTUN})
	return err
}

// TUNStatus reports the tunnel state.
func (c *Client) TUNStatus(ctx context.Context) (*protocol.TUNStatus, error) {
	resp, err := c.Call(ctx, &protocol.Request{Method: protocol.MethodGetTUNStatus})
	if err != nil {
		return nil, err
	}
	return resp.TUN, nil
}
