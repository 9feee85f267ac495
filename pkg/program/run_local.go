package program

import (
	"context"
	"sync"
)

type runLocalErrorLogger struct {
	once   sync.Once
	err    error
	cancel context.CancelFunc
}

func (el *runLocalErrorLogger) Log(err error) {
	el.once.Do(func() {
		el.err = err
		el.cancel()
	})
}

// RunLocal runs a tree of routines to completion and returns the first
// error one of them reported. Unlike RunMain() it never terminates the
// process, which makes it suitable for tests and for embedding a group
// of routines inside a larger program. Compared to errgroup.Group there
// is no separate Wait() call, and routines are arranged as siblings and
// dependencies so that helpers shut down after the routines relying on
// them.
func RunLocal(ctx context.Context, routine Routine) error {
	innerCtx, cancel := context.WithCancel(ctx)
	errorLogger := &runLocalErrorLogger{
		cancel: cancel,
	}
	run(innerCtx, errorLogger, routine)
	errorLogger.once.Do(cancel)
	return errorLogger.err
}
