// Package probe checks end-to-end connectivity through the engine's
// local SOCKS listener, proving that traffic actually flows through the
// proxy chain rather than just that the process is alive.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

// defaultProbeURL answers 204 with no body, keeping the probe cheap.
const defaultProbeURL = "https://www.gstatic.com/generate_204"

const probeTimeout = 10 * time.Second

// Prober runs connectivity tests through a SOCKS5 endpoint.
type Prober struct {
	// dial is swappable for tests; defaults to proxy.SOCKS5.
	dial func(socksAddr string) (proxy.ContextDialer, error)
}

// New creates a prober using a real SOCKS5 dialer.
func New() *Prober {
	return &Prober{dial: socksDialer}
}

func socksDialer(socksAddr string) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", socksAddr, nil, &net.Dialer{Timeout: probeTimeout})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer does not support context")
	}
	return cd, nil
}

// Test fetches a probe URL through the SOCKS listener on the given local
// port and reports reachability plus round-trip latency. An unreachable
// target is a result, not an error; errors mean the probe itself could
// not be set up.
func (p *Prober) Test(ctx context.Context, params protocol.ProbeParams) (protocol.ProbeResult, error) {
	url := params.URL
	if url == "" {
		url = defaultProbeURL
	}
	socksAddr := fmt.Sprintf("127.0.0.1:%d", params.SOCKSPort)

	dialer, err := p.dial(socksAddr)
	if err != nil {
		return protocol.ProbeResult{}, protocol.WrapErr(
			protocol.DomainNetwork, protocol.CodeUnavailable, fmt.Errorf("socks dialer: %w", err))
	}

	client := &http.Client{
		Timeout: probeTimeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return protocol.ProbeResult{}, protocol.Errf(
			protocol.DomainConfig, protocol.CodeInvalidField, "probe url %q: %v", url, err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		core.Log.Debugf("Daemon", "probe via %s failed: %v", socksAddr, err)
		return protocol.ProbeResult{Reachable: false}, nil
	}
	resp.Body.Close()
	latency := time.Since(start)

	reachable := resp.StatusCode >= 200 && resp.StatusCode < 400
	return protocol.ProbeResult{
		Reachable: reachable,
		LatencyMS: latency.Milliseconds(),
	}, nil
}
