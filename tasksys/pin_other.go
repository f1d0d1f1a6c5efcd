//go:build !linux

package tasksys

// Worker pinning is only implemented on Linux; elsewhere the pinned-core
// list still fixes the worker count but affinity is left to the OS.
func pinCurrentWorker(core int) error {
	return nil
}
