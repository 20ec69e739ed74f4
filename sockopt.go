package aioloop

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// sockoptControl returns a ListenConfig/Dialer Control hook applying
// socket options between socket creation and bind.
func sockoptControl(reuseAddr, reusePort bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			if reuseAddr {
				if optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); optErr != nil {
					return
				}
			}
			if reusePort {
				optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}
		})
		if err != nil {
			return err
		}
		return optErr
	}
}
