package ipc

import (
	"sync"
	"time"

	"mihomo-helper/internal/core"
)

// ConnTracker counts active client connections. When the last client
// disconnects it starts a grace timer and calls the onIdle callback once
// the grace period elapses without a reconnect. The daemon uses this to
// exit when nothing has talked to it for a while, letting launchd
// relaunch it on the next socket connection.
type ConnTracker struct {
	gracePeriod time.Duration
	onIdle      func()

	// mu guards both the counter and the timer; adjusting one without
	// the other lets a close/reconnect pair race the timer start.
	mu         sync.Mutex
	active     int64
	graceTimer *time.Timer
}

// NewConnTracker creates a ConnTracker with the given grace period.
// onIdle runs on the timer goroutine when the grace period expires with
// no connected clients. A zero grace period disables idle detection.
func NewConnTracker(gracePeriod time.Duration, onIdle func()) *ConnTracker {
	return &ConnTracker{
		gracePeriod: gracePeriod,
		onIdle:      onIdle,
	}
}

// ActiveCount returns the current number of open client connections.
func (ct *ConnTracker) ActiveCount() int64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.active
}

// CancelGrace cancels any pending grace timer. Used during explicit
// shutdown to prevent the idle callback from firing.
func (ct *ConnTracker) CancelGrace() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.stopTimerLocked()
}

func (ct *ConnTracker) stopTimerLocked() {
	if ct.graceTimer != nil {
		ct.graceTimer.Stop()
		ct.graceTimer = nil
	}
}

// ConnOpened records a new client connection, cancelling a pending grace
// timer.
func (ct *ConnTracker) ConnOpened() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.active++
	if ct.graceTimer != nil {
		ct.stopTimerLocked()
		core.Log.Debugf("IPC", "client reconnected, grace timer cancelled")
	}
}

// ConnClosed records a client disconnect, starting the grace timer when
// the last client goes away.
func (ct *ConnTracker) ConnClosed() {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.active--
	if ct.active != 0 || ct.gracePeriod <= 0 {
		return
	}
	ct.stopTimerLocked()
	core.Log.Debugf("IPC", "all clients disconnected, starting %s grace timer", ct.gracePeriod)
	ct.graceTimer = time.AfterFunc(ct.gracePeriod, ct.graceExpired)
}

// graceExpired re-checks under the mutex before invoking onIdle: the
// timer may have fired while a reconnect was cancelling it.
func (ct *ConnTracker) graceExpired() {
	ct.mu.Lock()
	if ct.active != 0 || ct.graceTimer == nil {
		ct.mu.Unlock()
		return
	}
	ct.graceTimer = nil
	ct.mu.Unlock()
	if ct.onIdle != nil {
		ct.onIdle()
	}
}
