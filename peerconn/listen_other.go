//go:build !linux

package peerconn

import (
	"net"

	"github.com/pkg/errors"
)

// Listen opens a TCP listener on addr. Platforms without the raw-socket
// backlog override get the kernel's default backlog instead of the
// configured one; Go's net package has no portable way to raise it.
func Listen(addr string, backlog int) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "peerconn: listen")
	}
	return ln, nil
}
