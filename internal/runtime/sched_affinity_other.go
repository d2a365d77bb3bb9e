//go:build !linux

package runtime

import stdrt "runtime"

// pinWorker locks the worker goroutine to an OS thread. CPU binding is only
// available on Linux; other platforms keep the dedicated thread without an
// affinity mask.
func (s *Scheduler) pinWorker(id int) {
	if !s.pinWorkers {
		return
	}
	stdrt.LockOSThread()
}
