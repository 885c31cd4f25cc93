//go:build unix

package proctree

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Attr places a child in its own process group so Terminate can reach
// every process it spawns.
func Attr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// Terminate signals the process group led by pid. Only the group is
// signalled: once the leader has been reaped its pid may belong to an
// unrelated process, while the group id stays reserved as long as any
// member lives. An empty group is not an error.
func Terminate(pid int, sig Signal) error {
	if pid <= 0 {
		return nil
	}
	s := unix.SIGTERM
	if sig == Forceful {
		s = unix.SIGKILL
	}

	if err := unix.Kill(-pid, s); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "signal process group %d", pid)
	}
	return nil
}

// Alive reports whether pid refers to a live process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
