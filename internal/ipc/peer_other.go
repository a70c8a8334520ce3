//go:build !darwin

package ipc

import (
	"errors"
	"net"
)

func peerIdentity(conn net.Conn) (PeerIdentity, error) {
	return PeerIdentity{}, errors.New("peer identity is only supported on darwin")
}
