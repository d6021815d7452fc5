//go:build linux

package corebroker

import (
	"golang.org/x/sys/unix"
)

const (
	efdCloexec  = unix.EFD_CLOEXEC
	efdNonblock = unix.EFD_NONBLOCK
)

// createWakeFd creates an eventfd for wakeup notifications.
func createWakeFd(initval uint, flags int) (int, error) {
	return unix.Eventfd(initval, flags)
}

// closeWakeFd closes the wakeup eventfd.
func closeWakeFd(fd int) error {
	if fd >= 0 {
		return unix.Close(fd)
	}
	return nil
}

// drainWakeFd drains all pending wakeups signaled on fd, coalescing any
// number of intervening Wake calls into this single drain.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// signalWakeFd writes one wakeup signal to fd. Safe to call concurrently
// from any goroutine; eventfd semantics coalesce concurrent signals into a
// single readable event.
func signalWakeFd(fd int) error {
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(fd, buf[:])
	if err == unix.EAGAIN {
		// Counter is already saturated; a reader will still observe
		// readiness and drain it, so the wakeup is not lost.
		return nil
	}
	return err
}
