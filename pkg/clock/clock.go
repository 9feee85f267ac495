package clock

import (
	"context"
	"time"
)

// Clock abstracts the time functions of the standard library, so that
// lease expiry, retry delays and cache TTLs can be driven by a
// deterministic implementation in tests.
type Clock interface {
	// Now returns the current time of day, like time.Now().
	Now() time.Time

	// NewContextWithTimeout creates a Context that cancels itself
	// after the given duration, like context.WithTimeout().
	NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc)

	// NewTimer returns a channel on which the time of day is
	// published once the duration has passed. The channel is
	// returned separately, as time.Timer exposes it as a struct
	// field, which an interface cannot.
	NewTimer(d time.Duration) (Timer, <-chan time.Time)

	// NewTicker returns a channel on which the time of day is
	// published repeatedly, at the given interval.
	NewTicker(d time.Duration) (Ticker, <-chan time.Time)
}

// Timer is the controlling handle of a channel created through
// Clock.NewTimer().
type Timer interface {
	Stop() bool
}

// Ticker is the controlling handle of a channel created through
// Clock.NewTicker().
type Ticker interface {
	Stop()
}
