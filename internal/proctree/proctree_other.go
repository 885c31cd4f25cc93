//go:build !unix

package proctree

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Attr returns nil; process groups are not used on this platform.
func Attr() *syscall.SysProcAttr { return nil }

// Terminate kills pid. Without process groups both signals map to Kill.
func Terminate(pid int, sig Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill pid %d", pid)
	}
	return nil
}

// Alive reports whether pid can be found.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
