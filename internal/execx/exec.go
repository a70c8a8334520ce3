// Package execx runs external OS utilities (networksetup, route, pfctl,
// ifconfig, lsof, ...) with bounded execution time and captured output.
// It holds no state of its own; every network-stack mutation in this
// repository funnels through a Runner so tests can substitute a fake.
package execx

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mihomo-helper/internal/core"
)

// Runner executes one external command and returns its combined output.
// A non-zero exit status is reported as an error with the trimmed output
// embedded in the message.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// Exec is the real Runner. Safe for concurrent use; callers serialize
// invocations that touch the same OS resource.
type Exec struct {
	// Timeout bounds each invocation when the caller's context has no
	// earlier deadline, so a hung utility cannot freeze the daemon.
	Timeout time.Duration
}

// New returns a Runner with the given per-invocation timeout.
// A zero timeout defaults to 10 seconds.
func New(timeout time.Duration) *Exec {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Exec{Timeout: timeout}
}

// Run executes name with args, waiting at most the configured timeout.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	core.Log.Debugf("Exec", "%s %s", name, strings.Join(args, " "))

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	outStr := strings.TrimSpace(string(out))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return outStr, fmt.Errorf("%s timed out after %s", name, e.Timeout)
		}
		if outStr != "" {
			return outStr, fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), outStr, err)
		}
		return outStr, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return outStr, nil
}

// LookPath reports whether the named utility is present on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
