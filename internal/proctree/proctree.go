// Package proctree signals a supervised process together with every child
// it has spawned.
package proctree

// Signal selects how hard a process tree is asked to stop.
type Signal int

const (
	// Graceful asks the tree to exit (SIGTERM on unix).
	Graceful Signal = iota
	// Forceful kills the tree outright (SIGKILL on unix).
	Forceful
)

func (s Signal) String() string {
	if s == Forceful {
		return "forceful"
	}
	return "graceful"
}

// Terminator signals process trees. The supervisor depends on this seam so
// tests can substitute a fake.
type Terminator interface {
	Terminate(pid int, sig Signal) error
	Alive(pid int) bool
}

// OS is the Terminator backed by the operating system.
type OS struct{}

func (OS) Terminate(pid int, sig Signal) error { return Terminate(pid, sig) }

func (OS) Alive(pid int) bool { return Alive(pid) }
