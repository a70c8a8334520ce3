// Package ports enumerates local TCP listening ports, used by the
// front-end to pick free listener ports for the engine.
package ports

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/protocol"
)

// Scanner lists listening TCP ports via lsof.
type Scanner struct {
	run execx.Runner
}

// NewScanner creates a port scanner.
func NewScanner(run execx.Runner) *Scanner {
	return &Scanner{run: run}
}

// Used returns the set of local TCP ports in LISTEN state, unique and
// ascending.
func (s *Scanner) Used(ctx context.Context) ([]int, error) {
	out, err := s.run.Run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
	if err != nil {
		// lsof exits 1 when nothing matches; an empty table is not a failure.
		if strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, protocol.WrapErr(protocol.DomainNetwork, protocol.CodeUnavailable,
			fmt.Errorf("list ports: %w", err))
	}
	return parseLsof(out), nil
}

// parseLsof extracts listen ports from lsof output. The NAME column looks
// like "*:7890" or "[::1]:9090", always host:port.
func parseLsof(out string) []int {
	seen := make(map[int]bool)
	for i, line := range strings.Split(out, "\n") {
		if i == 0 { // header
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		name := fields[8]
		idx := strings.LastIndex(name, ":")
		if idx < 0 {
			continue
		}
		port, err := strconv.Atoi(name[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		seen[port] = true
	}
	ports := make([]int, 0, len(seen))
	for p := range seen {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}
