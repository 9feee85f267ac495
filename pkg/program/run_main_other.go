//go:build !linux

package program

// relaunchIfPID1 is only needed on Linux, where the process may act as
// the init process of a container and become responsible for reaping
// orphaned children.
func relaunchIfPID1(currentPID int) {}
