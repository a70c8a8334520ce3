//go:build darwin

package ipc

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// proc_info syscall constants (from XNU bsd/sys/proc_info.h).
const (
	sysProcInfo         = 336 // SYS_PROC_INFO
	procInfoCallPIDInfo = 2   // PROC_INFO_CALL_PIDINFO
	procPIDPathInfo     = 11  // PROC_PIDPATHINFO
	pidPathBufSize      = 4096
)

// peerIdentity resolves the process on the other end of a unix socket:
// its credentials via LOCAL_PEERCRED/LOCAL_PEERPID, and its executable
// path via proc_info. The kernel vouches for all three; none can be
// forged by the client.
func peerIdentity(conn net.Conn) (PeerIdentity, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return PeerIdentity{}, fmt.Errorf("not a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerIdentity{}, err
	}

	var id PeerIdentity
	var sockErr error
	ctlErr := raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if err != nil {
			sockErr = fmt.Errorf("LOCAL_PEERCRED: %w", err)
			return
		}
		id.UID = cred.Uid

		pid, err := unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		if err != nil {
			sockErr = fmt.Errorf("LOCAL_PEERPID: %w", err)
			return
		}
		id.PID = pid
	})
	if ctlErr != nil {
		return PeerIdentity{}, ctlErr
	}
	if sockErr != nil {
		return PeerIdentity{}, sockErr
	}

	path, err := pidPath(id.PID)
	if err != nil {
		return PeerIdentity{}, fmt.Errorf("executable path for pid %d: %w", id.PID, err)
	}
	id.Path = path
	return id, nil
}

// pidPath returns the executable path of a process via the proc_info(2)
// syscall (PROC_PIDPATHINFO flavor).
func pidPath(pid int) (string, error) {
	buf := make([]byte, pidPathBufSize)
	r1, _, errno := unix.Syscall6(
		sysProcInfo,
		uintptr(procInfoCallPIDInfo),
		uintptr(pid),
		uintptr(procPIDPathInfo),
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
	)
	if errno != 0 {
		return "", errno
	}
	n := int(r1)
	for i := 0; i < n && i < len(buf); i++ {
		if buf[i] == 0 {
			n = i
			break
		}
	}
	return string(buf[:n]), nil
}
