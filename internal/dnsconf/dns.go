// Package dnsconf rewrites the macOS resolver configuration and flushes the
// system DNS cache. Both operations are fire-and-forget: no rollback state
// is retained beyond the last applied configuration.
package dnsconf

import (
	"context"
	"net"
	"strings"
	"sync"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/protocol"
)

// Manager owns the DNS subsystem state.
type Manager struct {
	run execx.Runner

	mu      sync.Mutex
	applied *protocol.DNSStatus
}

// NewManager creates a DNS manager using the given runner.
func NewManager(run execx.Runner) *Manager {
	return &Manager{run: run}
}

// Configure rewrites the resolver server list on every active network
// service. Server addresses must be IP literals; hijack marks that the
// engine intercepts port 53 (recorded for status, enforced by the engine).
func (m *Manager) Configure(ctx context.Context, servers []string, hijack bool) error {
	for _, s := range servers {
		if net.ParseIP(s) == nil {
			return protocol.Errf(protocol.DomainConfig, protocol.CodeInvalidField,
				"dns server %q is not an IP address", s)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.run.Run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSApply, err)
	}
	services := parseServices(out)
	if len(services) == 0 {
		return protocol.Errf(protocol.DomainNetwork, protocol.CodeDNSApply, "no network services found")
	}

	for _, svc := range services {
		args := append([]string{"-setdnsservers", svc}, servers...)
		if _, err := m.run.Run(ctx, "networksetup", args...); err != nil {
			return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSApply, err)
		}
	}

	m.applied = &protocol.DNSStatus{Servers: append([]string(nil), servers...), Hijack: hijack}
	core.Log.Infof("DNS", "resolver set to %v (hijack=%v) on %d services", servers, hijack, len(services))
	return nil
}

// Reset restores automatic (DHCP-provided) resolver configuration.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, err := m.run.Run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSApply, err)
	}
	for _, svc := range parseServices(out) {
		if _, err := m.run.Run(ctx, "networksetup", "-setdnsservers", svc, "empty"); err != nil {
			return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSApply, err)
		}
	}
	m.applied = nil
	core.Log.Infof("DNS", "resolver restored to automatic")
	return nil
}

// Flush invokes the OS resolver cache-flush mechanism: drop the
// mDNSResponder cache, then HUP it so it re-reads configuration.
func (m *Manager) Flush(ctx context.Context) error {
	if _, err := m.run.Run(ctx, "dscacheutil", "-flushcache"); err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSFlush, err)
	}
	if _, err := m.run.Run(ctx, "killall", "-HUP", "mDNSResponder"); err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeDNSFlush, err)
	}
	core.Log.Infof("DNS", "system resolver cache flushed")
	return nil
}

// Applied returns a copy of the last applied configuration, or nil when the
// daemon has not touched the resolver.
func (m *Manager) Applied() *protocol.DNSStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applied == nil {
		return nil
	}
	st := protocol.DNSStatus{
		Servers: append([]string(nil), m.applied.Servers...),
		Hijack:  m.applied.Hijack,
	}
	return &st
}

// parseServices mirrors sysproxy's parsing of -listallnetworkservices.
func parseServices(out string) []string {
	var services []string
	for _, line := range strings.Split(out, "\n") {
		s := strings.TrimSpace(line)
		if s == "" || strings.HasPrefix(s, "An asterisk") {
			continue
		}
		s = strings.TrimSpace(strings.TrimPrefix(s, "*"))
		if s != "" {
			services = append(services, s)
		}
	}
	return services
}
