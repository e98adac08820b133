//go:build !linux

package iomux

import "fmt"

// newPlatformRawSocket reports that this platform has no raw-IPv4/epoll
// support wired up, mirroring collector_darwin.go's no-op Run beside
// collector_linux.go's real implementation. Tests on non-Linux platforms
// use internal/testnet's in-memory socket instead of this one.
func newPlatformRawSocket() (rawSocket, error) {
	return nil, fmt.Errorf("iomux: raw MyCP sockets are only supported on linux")
}
