// Package sysproxy toggles the macOS system-wide proxy via networksetup,
// recording per-service before-state so disable restores exactly what the
// user had. All OS access goes through an execx.Runner.
package sysproxy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/protocol"
)

const proxyHost = "127.0.0.1"

// serviceState is one network service's proxy configuration, as read from
// the OS. Used both as before-state for restore and as the live answer for
// status queries.
type serviceState struct {
	WebEnabled   bool
	WebHost      string
	WebPort      int
	SOCKSEnabled bool
	SOCKSHost    string
	SOCKSPort    int
	PACEnabled   bool
	PACURL       string
	Bypass       []string
}

// Manager owns the system-proxy subsystem state.
type Manager struct {
	run execx.Runner

	mu      sync.Mutex
	enabled bool
	// applied is the configuration of the last enable, replaced on
	// re-enable and discarded on disable.
	applied *protocol.ProxyParams
	// saved holds per-service before-state recorded at enable time.
	saved map[string]serviceState
}

// NewManager creates a system-proxy manager using the given runner.
func NewManager(run execx.Runner) *Manager {
	return &Manager{run: run}
}

// Enable applies proxy settings to every active network service. The
// previous per-service state is recorded once (a re-enable keeps the
// original before-state, so disable still restores the user's settings,
// not our own).
func (m *Manager) Enable(ctx context.Context, p protocol.ProxyParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	services, err := m.listServices(ctx)
	if err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyApply, err)
	}

	if m.saved == nil {
		m.saved = make(map[string]serviceState, len(services))
		for _, svc := range services {
			if st, err := m.readService(ctx, svc); err == nil {
				m.saved[svc] = st
			} else {
				core.Log.Warnf("SysProxy", "read before-state for %q: %v", svc, err)
			}
		}
	}

	for _, svc := range services {
		if err := m.applyService(ctx, svc, p); err != nil {
			return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyApply, err)
		}
	}

	applied := p
	m.applied = &applied
	m.enabled = true
	core.Log.Infof("SysProxy", "enabled (http=%d socks=%d pac=%q) on %d services",
		p.HTTPPort, p.SOCKSPort, p.PACURL, len(services))
	return nil
}

// Disable restores each service to its recorded before-state, or turns all
// proxy kinds off when no before-state exists.
func (m *Manager) Disable(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	services, err := m.listServices(ctx)
	if err != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyApply, err)
	}

	var firstErr error
	for _, svc := range services {
		var svcErr error
		if st, ok := m.saved[svc]; ok {
			svcErr = m.restoreService(ctx, svc, st)
		} else {
			svcErr = m.clearService(ctx, svc)
		}
		if svcErr != nil && firstErr == nil {
			firstErr = svcErr
		}
		if svcErr != nil {
			core.Log.Warnf("SysProxy", "disable on %q: %v", svc, svcErr)
		}
	}

	m.enabled = false
	m.applied = nil
	m.saved = nil
	if firstErr != nil {
		return protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyApply, firstErr)
	}
	core.Log.Infof("SysProxy", "disabled on %d services", len(services))
	return nil
}

// Status reads the live OS configuration of the primary service — never a
// cached copy — so the answer matches reality even when something else
// changed the settings out-of-band. When expected is non-nil the result
// carries a strict or port-only comparison against it.
func (m *Manager) Status(ctx context.Context, expected *protocol.ProxyParams) (*protocol.ProxyStatus, error) {
	services, err := m.listServices(ctx)
	if err != nil {
		return nil, protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyRead, err)
	}
	st, err := m.readService(ctx, services[0])
	if err != nil {
		return nil, protocol.WrapErr(protocol.DomainNetwork, protocol.CodeProxyRead, err)
	}

	status := &protocol.ProxyStatus{
		Enabled:   st.WebEnabled || st.SOCKSEnabled || st.PACEnabled,
		HTTPHost:  st.WebHost,
		SOCKSHost: st.SOCKSHost,
		PACURL:    st.PACURL,
		Bypass:    st.Bypass,
	}
	if st.WebEnabled {
		status.HTTPPort = st.WebPort
	}
	if st.SOCKSEnabled {
		status.SOCKSPort = st.SOCKSPort
	}
	if expected != nil {
		match := matches(st, *expected, expected.Strict)
		status.MatchesExpected = &match
	}
	return status, nil
}

// Enabled reports whether this daemon believes it enabled the proxy. Use
// Status for ground truth.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// matches compares live OS proxy state against the expected mihomo ports.
// Non-strict mode requires only port equality on the enabled proxy kinds;
// strict mode additionally requires exact PAC URL and bypass-list equality
// (order and duplicates included). Used to detect externally overridden
// proxy state.
func matches(live serviceState, expected protocol.ProxyParams, strict bool) bool {
	if expected.HTTPPort > 0 {
		if !live.WebEnabled || live.WebPort != expected.HTTPPort {
			return false
		}
	}
	if expected.SOCKSPort > 0 {
		if !live.SOCKSEnabled || live.SOCKSPort != expected.SOCKSPort {
			return false
		}
	}
	if !strict {
		return true
	}
	if live.PACURL != expected.PACURL {
		return false
	}
	if len(live.Bypass) != len(expected.Bypass) {
		return false
	}
	for i := range live.Bypass {
		if live.Bypass[i] != expected.Bypass[i] {
			return false
		}
	}
	return true
}

func (m *Manager) applyService(ctx context.Context, svc string, p protocol.ProxyParams) error {
	if p.PACURL != "" {
		if _, err := m.run.Run(ctx, "networksetup", "-setautoproxyurl", svc, p.PACURL); err != nil {
			return err
		}
		if _, err := m.run.Run(ctx, "networksetup", "-setautoproxystate", svc, "on"); err != nil {
			return err
		}
	} else {
		if _, err := m.run.Run(ctx, "networksetup", "-setautoproxystate", svc, "off"); err != nil {
			return err
		}
	}

	if p.HTTPPort > 0 {
		port := strconv.Itoa(p.HTTPPort)
		for _, kind := range []string{"-setwebproxy", "-setsecurewebproxy"} {
			if _, err := m.run.Run(ctx, "networksetup", kind, svc, proxyHost, port); err != nil {
				return err
			}
		}
		for _, kind := range []string{"-setwebproxystate", "-setsecurewebproxystate"} {
			if _, err := m.run.Run(ctx, "networksetup", kind, svc, "on"); err != nil {
				return err
			}
		}
	} else {
		for _, kind := range []string{"-setwebproxystate", "-setsecurewebproxystate"} {
			if _, err := m.run.Run(ctx, "networksetup", kind, svc, "off"); err != nil {
				return err
			}
		}
	}

	if p.SOCKSPort > 0 {
		if _, err := m.run.Run(ctx, "networksetup", "-setsocksfirewallproxy", svc, proxyHost, strconv.Itoa(p.SOCKSPort)); err != nil {
			return err
		}
		if _, err := m.run.Run(ctx, "networksetup", "-setsocksfirewallproxystate", svc, "on"); err != nil {
			return err
		}
	} else {
		if _, err := m.run.Run(ctx, "networksetup", "-setsocksfirewallproxystate", svc, "off"); err != nil {
			return err
		}
	}

	// Bypass list order is meaningful to matching; pass it through as-is.
	args := []string{"-setproxybypassdomains", svc}
	if len(p.Bypass) == 0 {
		args = append(args, "Empty")
	} else {
		args = append(args, p.Bypass...)
	}
	if _, err := m.run.Run(ctx, "networksetup", args...); err != nil {
		return err
	}
	return nil
}

func (m *Manager) clearService(ctx context.Context, svc string) error {
	for _, kind := range []string{"-setwebproxystate", "-setsecurewebproxystate", "-setsocksfirewallproxystate", "-setautoproxystate"} {
		if _, err := m.run.Run(ctx, "networksetup", kind, svc, "off"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) restoreService(ctx context.Context, svc string, st serviceState) error {
	restore := func(setCmd, stateCmd, host string, port int, on bool) error {
		if host != "" && port > 0 {
			if _, err := m.run.Run(ctx, "networksetup", setCmd, svc, host, strconv.Itoa(port)); err != nil {
				return err
			}
		}
		state := "off"
		if on {
			state = "on"
		}
		_, err := m.run.Run(ctx, "networksetup", stateCmd, svc, state)
		return err
	}

	if err := restore("-setwebproxy", "-setwebproxystate", st.WebHost, st.WebPort, st.WebEnabled); err != nil {
		return err
	}
	if err := restore("-setsecurewebproxy", "-setsecurewebproxystate", st.WebHost, st.WebPort, st.WebEnabled); err != nil {
		return err
	}
	if err := restore("-setsocksfirewallproxy", "-setsocksfirewallproxystate", st.SOCKSHost, st.SOCKSPort, st.SOCKSEnabled); err != nil {
		return err
	}

	if st.PACURL != "" {
		if _, err := m.run.Run(ctx, "networksetup", "-setautoproxyurl", svc, st.PACURL); err != nil {
			return err
		}
	}
	pacState := "off"
	if st.PACEnabled {
		pacState = "on"
	}
	if _, err := m.run.Run(ctx, "networksetup", "-setautoproxystate", svc, pacState); err != nil {
		return err
	}

	args := []string{"-setproxybypassdomains", svc}
	if len(st.Bypass) == 0 {
		args = append(args, "Empty")
	} else {
		args = append(args, st.Bypass...)
	}
	_, err := m.run.Run(ctx, "networksetup", args...)
	return err
}

func (m *Manager) listServices(ctx context.Context) ([]string, error) {
	out, err := m.run.Run(ctx, "networksetup", "-listallnetworkservices")
	if err != nil {
		return nil, fmt.Errorf("list network services: %w", err)
	}
	services := parseServices(out)
	if len(services) == 0 {
		return nil, fmt.Errorf("no network services found")
	}
	return services, nil
}

func (m *Manager) readService(ctx context.Context, svc string) (serviceState, error) {
	var st serviceState

	out, err := m.run.Run(ctx, "networksetup", "-getwebproxy", svc)
	if err != nil {
		return st, err
	}
	st.WebEnabled, st.WebHost, st.WebPort = parseProxyGet(out)

	out, err = m.run.Run(ctx, "networksetup", "-getsocksfirewallproxy", svc)
	if err != nil {
		return st, err
	}
	st.SOCKSEnabled, st.SOCKSHost, st.SOCKSPort = parseProxyGet(out)

	out, err = m.run.Run(ctx, "networksetup", "-getautoproxyurl", svc)
	if err != nil {
		return st, err
	}
	st.PACEnabled, st.PACURL = parseAutoProxy(out)

	out, err = m.run.Run(ctx, "networksetup", "-getproxybypassdomains", svc)
	if err != nil {
		return st, err
	}
	st.Bypass = parseBypass(out)

	return st, nil
}

// parseServices extracts service names from -listallnetworkservices output.
// The banner line and the "*" prefix marking disabled services are dropped.
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

// parseProxyGet parses -getwebproxy / -getsocksfirewallproxy output:
//
//	Enabled: Yes
//	Server: 127.0.0.1
//	Port: 7890
func parseProxyGet(out string) (enabled bool, host string, port int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Enabled:"):
			enabled = strings.Contains(line, "Yes")
		case strings.HasPrefix(line, "Server:"):
			host = strings.TrimSpace(strings.TrimPrefix(line, "Server:"))
		case strings.HasPrefix(line, "Port:"):
			port, _ = strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "Port:")))
		}
	}
	return enabled, host, port
}

// parseAutoProxy parses -getautoproxyurl output.
func parseAutoProxy(out string) (enabled bool, url string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "URL:"):
			url = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
			if url == "(null)" {
				url = ""
			}
		case strings.HasPrefix(line, "Enabled:"):
			enabled = strings.Contains(line, "Yes")
		}
	}
	return enabled, url
}

// parseBypass parses -getproxybypassdomains output (one domain per line).
func parseBypass(out string) []string {
	if strings.Contains(out, "There aren't any") {
		return nil
	}
	var domains []string
	for _, line := range strings.Split(out, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			domains = append(domains, s)
		}
	}
	return domains
}
