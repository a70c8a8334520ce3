// Package tun manages the virtual tunnel interface used for full-traffic
// interception: utun device creation, default routes through it, and pf
// NAT rules redirecting intercepted traffic back out the physical uplink.
//
// Setup runs interface → routes → packet filter; teardown runs the exact
// reverse. A failure at any setup step triggers a best-effort teardown of
// whatever partial state exists before the error is surfaced, so the OS is
// never left with half-configured TUN state.
package tun

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/protocol"
)

// methodTag identifies the interception mechanism in status reports.
const methodTag = "utun-pf"

// Device is an open tunnel interface. Closing it makes the kernel remove
// the interface.
type Device interface {
	Name() string
	Close() error
}

// phase tracks where the subsystem is in its setup/teardown sequence.
type phase int

const (
	phaseInactive phase = iota
	phaseCreatingInterface
	phaseConfiguringRoutes
	phaseConfiguringFilter
	phaseActive
	phaseTearingDown
)

// Manager owns the TUN subsystem state.
type Manager struct {
	run execx.Runner
	cfg core.TUNConfig

	// openDevice and euid are swappable for tests.
	openDevice func(maxIndex int) (Device, error)
	euid       func() int

	mu       sync.Mutex
	phase    phase
	dev      Device
	routes   [][]string // delete args for every route we added
	pfLoaded bool
}

// NewManager creates a TUN manager backed by the real utun opener.
func NewManager(run execx.Runner, cfg core.TUNConfig) *Manager {
	return &Manager{
		run:        run,
		cfg:        cfg,
		openDevice: openUTUN,
		euid:       os.Geteuid,
	}
}

// Enable brings up the tunnel: allocate a utun slot, assign addressing,
// install the default-route pair plus a host route for the fake DNS
// server, then load and enable the pf NAT rules. Requires effective root.
func (m *Manager) Enable(ctx context.Context, dnsServer string) (protocol.TUNStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == phaseActive {
		core.Log.Infof("TUN", "enable requested but already active on %s", m.dev.Name())
		return m.statusLocked(), nil
	}
	if m.euid() != 0 {
		return m.statusLocked(), protocol.Errf(protocol.DomainNetwork, protocol.CodeNotPrivileged,
			"enabling TUN requires root (euid=%d)", m.euid())
	}

	dnsAddr, err := netip.ParseAddr(dnsServer)
	if err != nil {
		return m.statusLocked(), protocol.Errf(protocol.DomainConfig, protocol.CodeInvalidField,
			"tun dns server %q: %v", dnsServer, err)
	}

	// Interface.
	m.phase = phaseCreatingInterface
	dev, err := m.openDevice(m.cfg.MaxInterfaceIndex)
	if err != nil {
		m.teardownLocked(ctx)
		return m.statusLocked(), protocol.Errf(protocol.DomainNetwork, protocol.CodeInterface,
			"create tunnel interface: %v", err)
	}
	m.dev = dev

	if err := m.configureInterface(ctx); err != nil {
		m.teardownLocked(ctx)
		return m.statusLocked(), protocol.Errf(protocol.DomainNetwork, protocol.CodeInterface,
			"configure %s: %v", dev.Name(), err)
	}
	core.Log.Infof("TUN", "interface %s up (%s/%d, mtu=%d)",
		dev.Name(), m.cfg.Address, m.cfg.PrefixLen, m.cfg.MTU)

	// Routes.
	m.phase = phaseConfiguringRoutes
	if err := m.installRoutes(ctx, dnsAddr); err != nil {
		m.teardownLocked(ctx)
		return m.statusLocked(), protocol.Errf(protocol.DomainNetwork, protocol.CodeRouting,
			"install routes: %v", err)
	}

	// Packet filter.
	m.phase = phaseConfiguringFilter
	if err := m.loadPacketFilter(ctx); err != nil {
		m.teardownLocked(ctx)
		return m.statusLocked(), protocol.Errf(protocol.DomainNetwork, protocol.CodePacketFilter,
			"load packet filter: %v", err)
	}

	m.phase = phaseActive
	core.Log.Infof("TUN", "active on %s", dev.Name())
	return m.statusLocked(), nil
}

// Disable tears the tunnel down in strict reverse order of setup: packet
// filter, routes, interface. Each step tolerates failure independently so
// a stuck or already-removed resource never blocks full cleanup.
func (m *Manager) Disable(ctx context.Context) (protocol.TUNStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == phaseInactive {
		core.Log.Infof("TUN", "disable requested but already inactive")
		return m.statusLocked(), nil
	}
	m.teardownLocked(ctx)
	return m.statusLocked(), nil
}

// Status reports the current tunnel state.
func (m *Manager) Status() protocol.TUNStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() protocol.TUNStatus {
	st := protocol.TUNStatus{Method: methodTag}
	if m.phase == phaseActive && m.dev != nil {
		st.Active = true
		st.Interface = m.dev.Name()
	}
	return st
}

// teardownLocked removes whatever exists, in reverse setup order. Failures
// are logged, never fatal; the subsystem always ends inactive.
func (m *Manager) teardownLocked(ctx context.Context) {
	m.phase = phaseTearingDown

	if m.pfLoaded {
		if err := m.unloadPacketFilter(ctx); err != nil {
			core.Log.Warnf("TUN", "teardown: packet filter: %v", err)
		}
		m.pfLoaded = false
	}

	for i := len(m.routes) - 1; i >= 0; i-- {
		if _, err := m.run.Run(ctx, "route", m.routes[i]...); err != nil {
			if !isRouteMissing(err) {
				core.Log.Warnf("TUN", "teardown: route %v: %v", m.routes[i], err)
			}
		}
	}
	m.routes = nil

	if m.dev != nil {
		name := m.dev.Name()
		if err := m.dev.Close(); err != nil {
			core.Log.Warnf("TUN", "teardown: close %s: %v", name, err)
		} else {
			core.Log.Infof("TUN", "interface %s destroyed", name)
		}
		m.dev = nil
	}

	m.phase = phaseInactive
}

func (m *Manager) configureInterface(ctx context.Context) error {
	name := m.dev.Name()
	addr := m.cfg.Address
	if _, err := m.run.Run(ctx, "ifconfig", name, "inet",
		fmt.Sprintf("%s/%d", addr, m.cfg.PrefixLen), addr, "up"); err != nil {
		return err
	}
	if _, err := m.run.Run(ctx, "ifconfig", name, "mtu", fmt.Sprintf("%d", m.cfg.MTU)); err != nil {
		return err
	}
	return nil
}
