//go:build darwin

package ipc

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// InheritLaunchdSocket retrieves the listener launchd passes when socket
// activation is configured in the daemon's plist. With a single Sockets
// entry launchd hands the socket over as fd 3; some wrappers instead
// publish the fd list through LAUNCHD_SOCKET_FDS.
func InheritLaunchdSocket() (net.Listener, error) {
	if fdsStr := os.Getenv("LAUNCHD_SOCKET_FDS"); fdsStr != "" {
		parts := strings.Split(fdsStr, ":")
		if len(parts) > 0 {
			fd, err := strconv.Atoi(parts[0])
			if err == nil {
				return listenerFromFD(fd)
			}
		}
	}

	const launchdFD = 3
	if isSocket(launchdFD) {
		return listenerFromFD(launchdFD)
	}

	return nil, fmt.Errorf("no launchd socket found")
}

func isSocket(fd int) bool {
	var stat syscall.Stat_t
	if err := syscall.Fstat(fd, &stat); err != nil {
		return false
	}
	return stat.Mode&syscall.S_IFMT == syscall.S_IFSOCK
}

// listenerFromFD creates a net.Listener from a raw file descriptor.
func listenerFromFD(fd int) (net.Listener, error) {
	syscall.CloseOnExec(fd)

	f := os.NewFile(uintptr(fd), "launchd-socket")
	if f == nil {
		return nil, fmt.Errorf("invalid fd %d", fd)
	}

	ln, err := net.FileListener(f)
	f.Close() // FileListener dups the fd
	if err != nil {
		return nil, fmt.Errorf("fd %d as listener: %w", fd, err)
	}
	return ln, nil
}
