//go:build linux

package iomux

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// linuxRawSocket is the real AF_INET/SOCK_RAW/IPPROTO_192 implementation,
// switched to non-blocking mode and polled with epoll the same way the
// original netlink socket-monitor used a single netlink fd per collection
// (collector/socket-monitor.go's nl.Subscribe/Receive pair) — here
// generalized to an arbitrary peer rather than a one-shot dump-and-close
// request/response socket, since MyCP connections are long-lived.
type linuxRawSocket struct {
	fd       int
	epfd     int
	stopfd   int // eventfd, written to on Close to unblock EpollWait
	deadline time.Time
}

// newLinuxRawSocket opens the shared raw socket, puts it in non-blocking
// mode, and registers it (plus a stop eventfd) with a fresh epoll instance.
func newLinuxRawSocket() (*linuxRawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, MyCPProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_INET, SOCK_RAW, %d): %w", MyCPProtocolNumber, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	stopfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	s := &linuxRawSocket{fd: fd, epfd: epfd, stopfd: stopfd}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		s.Close()
		return nil, fmt.Errorf("epoll_ctl add socket: %w", err)
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stopfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stopfd)}); err != nil {
		s.Close()
		return nil, fmt.Errorf("epoll_ctl add stopfd: %w", err)
	}
	return s, nil
}

// SetReadDeadline records the absolute time the next ReadFrom should give
// up waiting; the epoll_wait timeout is derived from it each call.
func (s *linuxRawSocket) SetReadDeadline(t time.Time) error {
	s.deadline = t
	return nil
}

// ReadFrom waits for the socket to become readable (or the deadline to
// pass, or Close to fire) then reads one datagram and strips its
// IPv4 header using ipv4.ParseHeader, which copes with header lengths
// other than the textbook 20 bytes (options, uncommon but legal).
func (s *linuxRawSocket) ReadFrom(buf []byte) (int, net.IP, error) {
	timeoutMs := -1
	if !s.deadline.IsZero() {
		d := time.Until(s.deadline)
		if d < 0 {
			d = 0
		}
		timeoutMs = int(d / time.Millisecond)
	}

	events := make([]unix.EpollEvent, 2)
	n, err := unix.EpollWait(s.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil, ErrTimeout
		}
		return 0, nil, fmt.Errorf("epoll_wait: %w", err)
	}
	if n == 0 {
		return 0, nil, ErrTimeout
	}
	for _, ev := range events[:n] {
		if int(ev.Fd) == s.stopfd {
			return 0, nil, ErrClosed
		}
	}

	raw := make([]byte, 65535)
	rn, err := unix.Read(s.fd, raw)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil, ErrTimeout
		}
		return 0, nil, fmt.Errorf("read: %w", err)
	}
	hdr, err := ipv4.ParseHeader(raw[:rn])
	if err != nil {
		return 0, nil, fmt.Errorf("parse IPv4 header: %w", err)
	}
	body := raw[hdr.Len:rn]
	copied := copy(buf, body)
	return copied, hdr.Src, nil
}

// WriteTo sends buf to dst. The kernel fills in the IPv4 header for us
// because IP_HDRINCL is not set, matching the simplest raw-socket send
// path (no manual header construction needed on transmit).
func (s *linuxRawSocket) WriteTo(buf []byte, dst net.IP) error {
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], dst.To4())
	return unix.Sendto(s.fd, buf, 0, &addr)
}

// Close shuts down the epoll instance and both file descriptors. It is
// safe to call from a goroutine other than the one blocked in ReadFrom:
// writing to stopfd wakes EpollWait immediately.
func (s *linuxRawSocket) Close() error {
	if s.stopfd != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		unix.Write(s.stopfd, buf[:])
	}
	if s.fd != 0 {
		unix.Close(s.fd)
	}
	if s.epfd != 0 {
		unix.Close(s.epfd)
	}
	if s.stopfd != 0 {
		unix.Close(s.stopfd)
	}
	return nil
}

func newPlatformRawSocket() (rawSocket, error) {
	return newLinuxRawSocket()
}
