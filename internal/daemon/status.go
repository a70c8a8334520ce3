package daemon

import (
	"time"

	"mihomo-helper/internal/protocol"
)

// snapshot assembles the composite status the front-end polls. Every
// field is a copy of subsystem state; the engine record's liveness is
// re-checked against the process table on each call.
func (d *Daemon) snapshot() *protocol.StatusSnapshot {
	rec := d.engine.Record()

	d.stateMu.Lock()
	ready, lastErr := d.ready, d.lastError
	d.stateMu.Unlock()

	state := "idle"
	switch {
	case !ready:
		state = "initializing"
	case lastErr != "":
		state = "error"
	case rec != nil:
		state = "running"
	}
	return &protocol.StatusSnapshot{
		Version:       d.version,
		State:         state,
		LastError:     lastErr,
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
		EngineRunning: rec != nil,
		Engine:        rec,
		SystemProxy:   d.proxy.Enabled(),
		DNS:           d.dns.Applied(),
		TUN:           d.tun.Status(),
	}
}
