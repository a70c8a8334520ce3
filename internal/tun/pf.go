package tun

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"mihomo-helper/internal/core"
)

var errNoDefaultRoute = errors.New("no default route interface found")

// loadPacketFilter writes the NAT rule set to a temp file, loads it with
// pfctl, and enables filtering. The rule file is removed once loaded.
func (m *Manager) loadPacketFilter(ctx context.Context) error {
	uplink := m.cfg.NATInterface
	if uplink == "" {
		var err error
		uplink, err = defaultRouteInterface(ctx, m.run)
		if err != nil {
			return fmt.Errorf("discover uplink: %w", err)
		}
	}

	rules, err := buildRules(uplink, m.dev.Name(), m.cfg.Address, m.cfg.PrefixLen)
	if err != nil {
		return err
	}
	path := m.cfg.RulesPath
	if err := os.WriteFile(path, []byte(rules), 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	defer os.Remove(path)

	if _, err := m.run.Run(ctx, "pfctl", "-f", path); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	if _, err := m.run.Run(ctx, "pfctl", "-e"); err != nil {
		if !strings.Contains(err.Error(), "pf already enabled") {
			return fmt.Errorf("enable pf: %w", err)
		}
		core.Log.Debugf("PF", "pf already enabled")
	}
	m.pfLoaded = true
	core.Log.Infof("PF", "nat on %s for %s loaded", uplink, m.dev.Name())
	return nil
}

func (m *Manager) unloadPacketFilter(ctx context.Context) error {
	if _, err := m.run.Run(ctx, "pfctl", "-d"); err != nil {
		if strings.Contains(err.Error(), "pf not enabled") {
			return nil
		}
		return err
	}
	return nil
}

// buildRules renders the pf rule set: NAT tunnel-sourced traffic out the
// physical uplink, and pass everything on the tunnel interface itself.
func buildRules(uplink, tunIf, addr string, prefixLen int) (string, error) {
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("tun address %q: %w", addr, err)
	}
	subnet := netip.PrefixFrom(ip, prefixLen).Masked()

	var b strings.Builder
	fmt.Fprintf(&b, "nat on %s inet from %s to any -> (%s)\n", uplink, subnet, uplink)
	fmt.Fprintf(&b, "pass on %s all\n", tunIf)
	fmt.Fprintf(&b, "pass out on %s inet from (%s) to any\n", uplink, uplink)
	return b.String(), nil
}
