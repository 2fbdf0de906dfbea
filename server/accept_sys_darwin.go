//go:build darwin

package server

import "golang.org/x/sys/unix"

// sysAccept accepts one connection. Darwin has no accept4, so the flags are
// applied after the fact.
func sysAccept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
