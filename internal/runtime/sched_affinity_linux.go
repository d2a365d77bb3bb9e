//go:build linux

package runtime

import (
	stdrt "runtime"

	"golang.org/x/sys/unix"
)

// pinWorker locks the worker goroutine to an OS thread and binds that thread
// to a single CPU. Best effort: failures leave the worker unpinned, which is
// a performance hint lost, not an error.
func (s *Scheduler) pinWorker(id int) {
	if !s.pinWorkers {
		return
	}
	stdrt.LockOSThread()

	cpu := id % stdrt.NumCPU()
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	_ = unix.SchedSetaffinity(0, &set)
}
