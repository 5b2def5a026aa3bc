//go:build linux

package peerconn

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Listen opens a TCP listener on addr with the given accept backlog.
// net.Listen has no portable way to raise the kernel's default backlog
// (ListenConfig.Control runs before the stdlib's own listen(2) call,
// which would override anything set there), so the socket is built by
// hand and handed back via net.FileListener, which does not call
// listen(2) again.
func Listen(addr string, backlog int) (net.Listener, error) {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: split listen address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: parse listen port")
	}

	ip := net.IPv4zero
	family := unix.AF_INET
	if host != "" {
		parsed := net.ParseIP(host)
		if parsed == nil {
			return nil, errors.Errorf("peerconn: invalid listen host %q", host)
		}
		ip = parsed
	}
	if ip.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: socket")
	}
	defer func() {
		if fd >= 0 {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, errors.Wrap(err, "peerconn: setsockopt SO_REUSEADDR")
	}

	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip.To4())
		sa.Port = port
		if err := unix.Bind(fd, &sa); err != nil {
			return nil, errors.Wrap(err, "peerconn: bind")
		}
	} else {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.To16())
		sa.Port = port
		if err := unix.Bind(fd, &sa); err != nil {
			return nil, errors.Wrap(err, "peerconn: bind")
		}
	}

	if err := unix.Listen(fd, backlog); err != nil {
		return nil, errors.Wrap(err, "peerconn: listen")
	}

	f := os.NewFile(uintptr(fd), "peerconn-listener")
	ln, err := net.FileListener(f)
	f.Close() // net.FileListener dup'd the fd; close our copy
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: FileListener")
	}
	fd = -1 // ownership moved to ln via the dup'd fd
	return ln, nil
}
