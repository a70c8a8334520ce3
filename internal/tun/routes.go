package tun

import (
	"context"
	"net/netip"
	"strings"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
)

// The default-route pair. Together they cover the whole v4 space while
// being more specific than the real default route, so they win without
// touching it.
var defaultSplit = []string{"0.0.0.0/1", "128.0.0.0/1"}

// installRoutes sends the split default routes plus a host route for the
// fake DNS server through the tunnel interface, recording the matching
// delete arguments as each add succeeds.
func (m *Manager) installRoutes(ctx context.Context, dnsAddr netip.Addr) error {
	name := m.dev.Name()
	for _, cidr := range defaultSplit {
		if err := m.addRoute(ctx, []string{"-n", "add", "-net", cidr, "-interface", name},
			[]string{"-n", "delete", "-net", cidr, "-interface", name}); err != nil {
			return err
		}
	}
	host := dnsAddr.String()
	return m.addRoute(ctx, []string{"-n", "add", "-host", host, "-interface", name},
		[]string{"-n", "delete", "-host", host, "-interface", name})
}

func (m *Manager) addRoute(ctx context.Context, add, del []string) error {
	if _, err := m.run.Run(ctx, "route", add...); err != nil {
		if !isRouteExists(err) {
			return err
		}
		core.Log.Debugf("Route", "route %v already present", add)
	}
	m.routes = append(m.routes, del)
	return nil
}

// route(8) reports both conditions through its exit status; the message
// text is the only way to tell a benign conflict from a real failure.
func isRouteExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "File exists")
}

func isRouteMissing(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not in table")
}

// defaultRouteInterface asks the routing table which interface carries the
// default route. Used to pick the NAT uplink when config does not name one.
func defaultRouteInterface(ctx context.Context, run execx.Runner) (string, error) {
	out, err := run.Run(ctx, "route", "-n", "get", "default")
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "interface:"); ok {
			return strings.TrimSpace(rest), nil
		}
	}
	return "", errNoDefaultRoute
}
