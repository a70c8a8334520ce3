//go:build darwin

// Package service installs the helper as a launchd system daemon with
// socket activation: launchd owns the unix socket and spawns the helper
// on the first client connection, so the privileged process only runs
// while someone needs it.
package service

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"mihomo-helper/internal/core"
)

const (
	daemonLabel    = "com.mihomo.helper"
	daemonPlistDir = "/Library/LaunchDaemons"
	daemonPlist    = daemonPlistDir + "/" + daemonLabel + ".plist"
	daemonBinary   = "/usr/local/bin/mihomo-helperd"
	configDir      = "/etc/mihomo-helper"
	logFile        = "/var/log/mihomo-helper.log"
)

var daemonPlistTmpl = template.Must(template.New("plist").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.Binary}}</string>
		<string>-config</string>
		<string>{{.Config}}</string>
	</array>
	<key>Sockets</key>
	<dict>
		<key>Listener</key>
		<dict>
			<key>SockPathName</key>
			<string>{{.Socket}}</string>
			<key>SockPathMode</key>
			<integer>438</integer>
		</dict>
	</dict>
	<key>RunAtLoad</key>
	<false/>
	<key>KeepAlive</key>
	<false/>
	<key>StandardOutPath</key>
	<string>{{.Log}}</string>
	<key>StandardErrorPath</key>
	<string>{{.Log}}</string>
</dict>
</plist>
`))

type daemonPlistData struct {
	Label  string
	Binary string
	Config string
	Socket string
	Log    string
}

// Install copies the running binary to /usr/local/bin, writes the
// LaunchDaemon plist and bootstraps it. Must run as root.
func Install() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	input, err := os.ReadFile(exe)
	if err != nil {
		return fmt.Errorf("read binary: %w", err)
	}
	if err := os.WriteFile(daemonBinary, input, 0o755); err != nil {
		return fmt.Errorf("install binary: %w", err)
	}

	f, err := os.Create(daemonPlist)
	if err != nil {
		return fmt.Errorf("create plist: %w", err)
	}
	defer f.Close()

	data := daemonPlistData{
		Label:  daemonLabel,
		Binary: daemonBinary,
		Config: core.DefaultConfigPath,
		Socket: core.DefaultSocketPath,
		Log:    logFile,
	}
	if err := daemonPlistTmpl.Execute(f, data); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}

	out, err := exec.Command("launchctl", "bootstrap", "system", daemonPlist).CombinedOutput()
	if err != nil {
		// Already loaded from a previous install: restart picks up the new
		// binary.
		if strings.Contains(string(out), "already bootstrapped") || strings.Contains(string(out), "service already loaded") {
			return Restart()
		}
		return fmt.Errorf("launchctl bootstrap: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return nil
}

// Uninstall stops the daemon and removes the plist, binary and socket.
func Uninstall() error {
	out, err := exec.Command("launchctl", "bootout", "system/"+daemonLabel).CombinedOutput()
	if err != nil {
		outStr := strings.TrimSpace(string(out))
		if !strings.Contains(outStr, "Could not find") && !strings.Contains(outStr, "No such process") {
			return fmt.Errorf("launchctl bootout: %s: %w", outStr, err)
		}
	}

	os.Remove(daemonPlist)
	os.Remove(daemonBinary)
	os.Remove(core.DefaultSocketPath)

	return nil
}

// Installed reports whether the LaunchDaemon plist exists.
func Installed() bool {
	_, err := os.Stat(daemonPlist)
	return err == nil
}

// Restart forces a relaunch of the daemon via launchctl kickstart.
func Restart() error {
	out, err := exec.Command("launchctl", "kickstart", "-k", "system/"+daemonLabel).CombinedOutput()
	if err != nil {
		return fmt.Errorf("launchctl kickstart: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}
