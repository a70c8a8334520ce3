//go:build !darwin

package tun

import "errors"

func openUTUN(maxIndex int) (Device, error) {
	return nil, errors.New("tunnel interfaces are only supported on darwin")
}
