package program

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"
)

// runMainErrorLogger captures errors returned by routines launched
// through RunMain(). The first error initiates shutdown of the whole
// program; later ones are merely logged.
type runMainErrorLogger struct {
	shutdownStarted sync.Once
	shutdownFunc    func()
	cancel          context.CancelFunc
}

func (el *runMainErrorLogger) Log(err error) {
	log.Print("Fatal error: ", err)
	el.startShutdown(func() {
		os.Exit(1)
	})
}

func (el *runMainErrorLogger) startShutdown(shutdownFunc func()) {
	el.shutdownStarted.Do(func() {
		el.shutdownFunc = shutdownFunc
		el.cancel()
	})
}

// terminateWithSignal makes the current process exit by redelivering a
// signal to itself, so that the parent observes the original
// termination cause.
func terminateWithSignal(currentPID int, terminationSignal os.Signal) {
	if runtime.GOOS == "windows" {
		// process.Signal() is unsupported on Windows.
		os.Exit(1)
	}

	signal.Reset(terminationSignal)
	process, err := os.FindProcess(currentPID)
	if err != nil {
		panic(err)
	}
	if err := process.Signal(terminationSignal); err != nil {
		panic(err)
	}

	// process.Signal() does not guarantee delivery to this thread,
	// and signal.Reset() does not undo ignoring of signals that are
	// delivered through the process group. Give delivery a moment
	// and exit regardless.
	//
	// https://github.com/golang/go/issues/19326
	// https://github.com/golang/go/issues/46321
	time.Sleep(5 * time.Second)
	os.Exit(1)
}

var terminationSignals = []os.Signal{
	os.Interrupt,
	syscall.SIGTERM,
}

// RunMain runs the root routine of a program and blocks until the
// program terminates. Termination happens when the root routine and all
// of its siblings complete (exit code 0), when any routine returns a
// non-nil error (exit code 1), or when the process receives SIGINT or
// SIGTERM (the signal is redelivered after shutdown).
//
// On termination the remaining routines are canceled while honoring the
// dependency ordering, so that for example a scheduler's outgoing
// storage connections stay usable until its gRPC servers have drained.
func RunMain(routine Routine) {
	currentPID := os.Getpid()
	relaunchIfPID1(currentPID)

	ctx, cancel := context.WithCancel(context.Background())
	errorLogger := &runMainErrorLogger{
		cancel: cancel,
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, terminationSignals...)
	go func() {
		receivedSignal := <-signalChan
		log.Printf("Received %#v signal. Initiating graceful shutdown.", receivedSignal.String())
		errorLogger.startShutdown(func() {
			terminateWithSignal(currentPID, receivedSignal)
		})
	}()

	run(ctx, errorLogger, routine)

	// All routines completed without failures or signals.
	errorLogger.startShutdown(func() {
		os.Exit(0)
	})
	errorLogger.shutdownFunc()
}
