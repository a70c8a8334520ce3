package daemon

import (
	"context"
	"net"
	"sync"
	"time"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/ipc"
)

// cleanupTimeout bounds subsystem rollback during shutdown.
const cleanupTimeout = 15 * time.Second

// Controller owns the daemon lifecycle:
//
//	launchd spawn → serving → idle grace expires with no held state → exit(0)
//	                        → signal / explicit shutdown → cleanup → exit(0)
//
// launchd keeps holding the socket after exit and relaunches the daemon
// on the next client connection.
type Controller struct {
	cfg     *core.Config
	daemon  *Daemon
	tracker *ipc.ConnTracker
	server  *ipc.Server

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewController builds the daemon and its lifecycle wrapper.
func NewController(version string, cfg *core.Config) *Controller {
	c := &Controller{
		cfg:        cfg,
		daemon:     New(version, cfg),
		shutdownCh: make(chan struct{}),
	}

	grace := cfg.IdleGrace()
	if cfg.Socket.KeepAlive {
		grace = 0
	}
	c.tracker = ipc.NewConnTracker(grace, c.onIdle)
	return c
}

// Daemon exposes the request dispatcher, mainly for tests.
func (c *Controller) Daemon() *Daemon { return c.daemon }

// Run serves IPC requests on ln until Shutdown is called or the listener
// fails. Subsystems are rolled back before Run returns.
func (c *Controller) Run(ln net.Listener) error {
	verifier := ipc.NewVerifier(c.cfg.Clients, execx.New(c.cfg.ExecTimeout()))
	c.server = ipc.NewServer(ln, c.daemon,
		ipc.WithTracker(c.tracker),
		ipc.WithPeerChecker(verifier.Check),
	)

	serveErr := make(chan error, 1)
	go func() { serveErr <- c.server.Serve() }()
	c.daemon.markReady()

	core.Log.Infof("Daemon", "serving on %s", ln.Addr())

	var err error
	select {
	case <-c.shutdownCh:
	case err = <-serveErr:
	}

	c.tracker.CancelGrace()
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	c.daemon.Cleanup(ctx)
	c.server.Close()

	core.Log.Infof("Daemon", "stopped")
	return err
}

// Shutdown initiates a clean exit. Safe to call multiple times and from
// any goroutine.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

// onIdle fires when the last client has been gone for the grace period.
// The daemon stays up while any subsystem holds externally visible state:
// a GUI crash must not take the proxy engine down with it.
func (c *Controller) onIdle() {
	if c.daemon.Busy() {
		core.Log.Infof("Daemon", "idle grace expired but subsystems are active, staying up")
		return
	}
	core.Log.Infof("Daemon", "idle with no held state, exiting")
	c.Shutdown()
}
