package util

import (
	"log"
)

// ErrorLogger may be used to report errors. Implementations may decide
// to log, mutate, redirect and discard them. This interface is used in
// places where errors are generated asynchronously, meaning they cannot
// be returned to the caller directly.
type ErrorLogger interface {
	Log(err error)
}

type defaultErrorLogger struct{}

func (l defaultErrorLogger) Log(err error) {
	log.Print(err)
}

// DefaultErrorLogger writes errors using Go's standard logging package.
var DefaultErrorLogger ErrorLogger = defaultErrorLogger{}

type prefixedErrorLogger struct {
	base   ErrorLogger
	prefix string
}

// NewPrefixedErrorLogger creates an ErrorLogger that prepends a fixed
// string to every error before passing it on to another ErrorLogger.
// This makes it possible to distinguish errors generated by multiple
// background processes that share a single logging sink.
func NewPrefixedErrorLogger(base ErrorLogger, prefix string) ErrorLogger {
	return &prefixedErrorLogger{
		base:   base,
		prefix: prefix,
	}
}

func (l *prefixedErrorLogger) Log(err error) {
	l.base.Log(StatusWrap(err, l.prefix))
}
