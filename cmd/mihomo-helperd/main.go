//go:build darwin

// mihomo-helperd is the privileged helper daemon. It runs as a launchd
// system daemon, inherits its unix socket from launchd when socket
// activation is configured, and performs the operations the unprivileged
// front-end cannot: engine supervision, system proxy, DNS and TUN.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/daemon"
	"mihomo-helper/internal/execx"
	"mihomo-helper/internal/ipc"
	"mihomo-helper/internal/service"
)

// Build info — injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Handle subcommands before flag parsing.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "install":
			if err := service.Install(); err != nil {
				fmt.Fprintf(os.Stderr, "Install failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Helper daemon installed.")
			return
		case "uninstall":
			if err := service.Uninstall(); err != nil {
				fmt.Fprintf(os.Stderr, "Uninstall failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Helper daemon uninstalled.")
			return
		case "restart":
			if err := service.Restart(); err != nil {
				fmt.Fprintf(os.Stderr, "Restart failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Helper daemon restarted.")
			return
		case "status":
			if service.Installed() {
				fmt.Println("Helper daemon is installed.")
			} else {
				fmt.Println("Helper daemon is not installed.")
			}
			return
		case "version":
			fmt.Printf("mihomo-helperd %s (commit=%s, built=%s)\n", version, commit, buildDate)
			return
		}
	}

	configPath := flag.String("config", core.DefaultConfigPath, "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mihomo-helperd %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := core.LoadConfig(resolveRelativeToExe(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	core.Log.Reconfigure(cfg.Log)

	if os.Geteuid() != 0 {
		core.Log.Warnf("Daemon", "not running as root; most operations will fail")
	}
	for _, tool := range []string{"networksetup", "route", "ifconfig", "pfctl", "dscacheutil", "lsof", "codesign"} {
		if !execx.LookPath(tool) {
			core.Log.Warnf("Daemon", "%s not found on PATH; dependent operations will fail", tool)
		}
	}

	// Prefer the launchd-inherited socket; fall back to binding directly
	// when launched by hand.
	ln, err := ipc.InheritLaunchdSocket()
	if err != nil {
		core.Log.Infof("Daemon", "no launchd socket (%v), binding %s", err, cfg.Socket.Path)
		ln, err = ipc.Listen(cfg.Socket.Path)
		if err != nil {
			core.Log.Fatalf("Daemon", "bind socket: %v", err)
		}
	} else {
		core.Log.Infof("Daemon", "using launchd-activated socket")
	}

	ctrl := daemon.NewController(version, &cfg)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		core.Log.Infof("Daemon", "received %s, shutting down", s)
		ctrl.Shutdown()
	}()

	core.Log.Infof("Daemon", "mihomo-helperd %s starting", version)
	if err := ctrl.Run(ln); err != nil {
		core.Log.Fatalf("Daemon", "serve: %v", err)
	}
}

// resolveRelativeToExe resolves a relative path against the directory
// containing the running executable. Absolute paths pass through.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
