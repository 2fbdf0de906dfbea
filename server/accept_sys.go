//go:build linux || freebsd || dragonfly || netbsd || openbsd

package server

import "golang.org/x/sys/unix"

// sysAccept accepts one connection, atomically marking the new fd
// non-blocking and close-on-exec.
func sysAccept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, err
	}
	return nfd, nil
}
