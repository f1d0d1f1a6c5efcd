//go:build linux

package tasksys

import "golang.org/x/sys/unix"

// pinCurrentWorker sets the calling thread's CPU affinity to a single
// core. The caller must have locked the goroutine to its OS thread.
func pinCurrentWorker(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
