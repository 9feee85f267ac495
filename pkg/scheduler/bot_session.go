package scheduler

import (
	"time"

	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
)

// botSession is the scheduler-internal representation of a worker's
// presence. All fields are protected by the scheduler's lock.
type botSession struct {
	name   string
	tenant string
	botID  string

	// The properties the worker offers, as reported through the most
	// recent session message.
	worker     *remoteworkers.Worker
	properties map[string]bool

	// The session expires when no UpdateBotSession() call arrives
	// before this point in time, reclaiming all of its leases.
	expireAt time.Time

	// Operations currently leased to this worker, by lease ID.
	operations map[string]*operation

	// A session is marked suspect when one of its leases expired
	// while the worker was presumed to be executing it.
	suspect bool
}
