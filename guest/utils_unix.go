//go:build linux
// +build linux

package guest

import "golang.org/x/sys/unix"

func isFDValid(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// CloseFd closes fd if it still refers to an open file, so double closes and
// never-opened descriptors are harmless.
func CloseFd(fd int) error {
	if isFDValid(fd) {
		return unix.Close(fd)
	}
	return nil
}

// isTemporaryError reports whether a read would simply block.
func isTemporaryError(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}
