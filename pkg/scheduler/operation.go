package scheduler

import (
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/digest"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// watcher is a single client streaming the state transitions of one
// operation, attached through Execute(), WaitExecution() or
// WaitOperation(). Transitions are buffered, so that a slow client
// cannot block the scheduler; a client that falls too far behind is
// disconnected instead.
type watcher struct {
	operations chan *longrunningpb.Operation

	// Protected by InMemoryBuildQueue.lock.
	dropped bool
}

// lease is the scheduler's view of the single live lease of an
// operation in the EXECUTING stage.
type lease struct {
	id          string
	sessionName string
	deadline    time.Time
	state       remoteworkers.LeaseState
}

// operation is the scheduler-internal representation of a single
// execution request. All fields are protected by the scheduler's lock.
type operation struct {
	name           string
	tenant         string
	instanceName   digest.InstanceName
	digestFunction digest.Function
	actionDigest   digest.Digest
	platform       *remoteexecution.Platform
	priority       int32
	doNotCache     bool

	// Whether a successful result will be written to the Action
	// Cache, and whether concurrent identical requests attach to
	// this operation instead of creating their own.
	writeToActionCache bool
	deduplicationKey   string

	enqueuedAt   time.Time
	stage        remoteexecution.ExecutionStage_Value
	attemptCount int

	// Queueing. queueKey is only meaningful while queued is set.
	queued   bool
	queueKey queueKey

	// Execution.
	workerID          string
	lease             *lease
	hasExecutionSlot  bool
	publishing        bool
	cancelRequested   bool
	cancelRequestedAt time.Time

	// Terminal state. The operation is terminal iff executeResponse
	// is set; cancellation is represented by a response whose status
	// carries the CANCELLED code.
	executeResponse *remoteexecution.ExecuteResponse
	completedAt     time.Time

	watchers []*watcher
}

func (o *operation) isTerminal() bool {
	return o.executeResponse != nil
}

func mustMarshalAny(m proto.Message) *anypb.Any {
	a, err := anypb.New(m)
	if err != nil {
		panic(err)
	}
	return a
}

// buildOperation converts the current state of the operation to the
// longrunning Operation message observed by clients.
func (o *operation) buildOperation() *longrunningpb.Operation {
	operation := &longrunningpb.Operation{
		Name: o.name,
		Metadata: mustMarshalAny(&remoteexecution.ExecuteOperationMetadata{
			Stage:        o.stage,
			ActionDigest: o.actionDigest.GetProto(),
		}),
	}
	if o.executeResponse != nil {
		operation.Done = true
		operation.Result = &longrunningpb.Operation_Response{
			Response: mustMarshalAny(o.executeResponse),
		}
	}
	return operation
}

// attachWatcherLocked registers a new watcher against the operation.
// The watcher immediately receives a snapshot of the current state; an
// already terminal operation yields that single snapshot, after which
// the channel is closed.
func (o *operation) attachWatcherLocked(bufferSize int) *watcher {
	w := &watcher{
		operations: make(chan *longrunningpb.Operation, bufferSize),
	}
	w.operations <- o.buildOperation()
	if o.isTerminal() {
		close(w.operations)
	} else {
		o.watchers = append(o.watchers, w)
	}
	return w
}

// detachWatcherLocked removes a watcher whose client went away.
func (o *operation) detachWatcherLocked(w *watcher) {
	for i, existing := range o.watchers {
		if existing == w {
			o.watchers = append(o.watchers[:i], o.watchers[i+1:]...)
			return
		}
	}
}

// notifyWatchersLocked publishes the current state to all watchers in
// commit order. Watchers whose buffer is full are disconnected, so that
// the scheduler never blocks on a slow client. On terminal transitions
// all channels are closed after the final message.
func (o *operation) notifyWatchersLocked() {
	message := o.buildOperation()
	remaining := o.watchers[:0]
	for _, w := range o.watchers {
		select {
		case w.operations <- message:
			if o.isTerminal() {
				close(w.operations)
			} else {
				remaining = append(remaining, w)
			}
		default:
			w.dropped = true
			close(w.operations)
		}
	}
	o.watchers = remaining
	if o.isTerminal() {
		o.watchers = nil
	}
}
