//go:build darwin

package tun

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	// utun kernel control name.
	utunControlName = "com.apple.net.utun_control"

	// SYSPROTO_CONTROL for AF_SYSTEM sockets.
	sysProtoControl = 2
	// UTUN_OPT_IFNAME getsockopt option.
	utunOptIfname = 2
)

// utunDevice wraps a connected utun kernel control socket. The kernel
// removes the interface when the fd is closed.
type utunDevice struct {
	name string
	file *os.File
}

func (d *utunDevice) Name() string { return d.name }

func (d *utunDevice) Close() error { return d.file.Close() }

// openUTUN allocates a utun slot by trying unit numbers in increasing
// order. SockaddrCtl unit N maps to interface utun(N-1); a slot already
// claimed by another process fails the connect, and the scan moves on.
func openUTUN(maxIndex int) (Device, error) {
	var lastErr error
	for idx := 0; idx <= maxIndex; idx++ {
		dev, err := connectUtunUnit(uint32(idx + 1))
		if err != nil {
			lastErr = err
			continue
		}
		return dev, nil
	}
	return nil, fmt.Errorf("no utun slot free in utun0..utun%d: %w", maxIndex, lastErr)
}

func connectUtunUnit(unit uint32) (*utunDevice, error) {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysProtoControl)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_SYSTEM): %w", err)
	}

	ctlInfo := &unix.CtlInfo{}
	copy(ctlInfo.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, ctlInfo); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("CTLIOCGINFO: %w", err)
	}

	sa := unix.SockaddrCtl{
		ID:   ctlInfo.Id,
		Unit: unit,
	}
	if err := unix.Connect(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect utun unit %d: %w", unit, err)
	}

	ifName, err := unix.GetsockoptString(fd, sysProtoControl, utunOptIfname)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get utun name: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	return &utunDevice{name: ifName, file: os.NewFile(uintptr(fd), ifName)}, nil
}
