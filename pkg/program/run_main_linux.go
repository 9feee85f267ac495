//go:build linux

package program

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// relaunchIfPID1 restarts the executable as a child process when
// running as PID 1 and forwards its termination status.
//
// As PID 1 the process inherits orphaned children, which must be
// reaped by calling syscall.Wait4() with PID -1. Doing that in the
// same process races with the Go runtime waiting on individual PIDs,
// so the actual program runs as a child while PID 1 does nothing but
// reap. This matters when schedulers or frontends run as the init
// process of a minimal container image.
//
// More details: https://github.com/golang/go/pull/61261
func relaunchIfPID1(currentPID int) {
	if currentPID == 1 {
		executable, err := os.Executable()
		if err != nil {
			log.Fatal("Failed to obtain path of current executable: ", err)
		}

		signal.Ignore(terminationSignals...)
		childPID, _, err := syscall.StartProcess(executable, os.Args, &syscall.ProcAttr{
			Env:   os.Environ(),
			Files: []uintptr{0, 1, 2},
		})
		if err != nil {
			log.Fatal("Failed to relaunch current process: ", err)
		}

		for {
			var status syscall.WaitStatus
			waitedPID, err := syscall.Wait4(-1, &status, 0, nil)
			for err == syscall.EINTR {
				waitedPID, err = syscall.Wait4(-1, &status, 0, nil)
			}
			if err != nil {
				log.Fatal("Failed to wait for process termination: ", err)
			}

			if waitedPID == childPID {
				if status.Signaled() {
					terminateWithSignal(currentPID, status.Signal())
				}
				os.Exit(status.ExitStatus())
			}
		}
	}
}
