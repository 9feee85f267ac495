package statestore

import (
	"encoding/json"
)

// StateStore persists the scheduler's state as a snapshot plus a
// journal of transition records appended since the snapshot was taken.
// The scheduler appends a record for every state transition it commits,
// and periodically rewrites the snapshot to bound the journal's size.
type StateStore interface {
	// Append durably writes one transition record to the journal.
	// The record must have been applied to the in-memory state
	// before it is appended, so that a snapshot taken concurrently
	// already contains its effects.
	Append(record interface{}) error

	// TakeSnapshot atomically replaces the current snapshot with a
	// full copy of the state and truncates the journal.
	TakeSnapshot(snapshot interface{}) error

	// Restore passes the most recent snapshot, if one exists, to
	// applySnapshot, and then calls replay for every journal record
	// appended after that snapshot, in order.
	Restore(applySnapshot, replay func(data json.RawMessage) error) error
}

type discardingStateStore struct{}

func (discardingStateStore) Append(record interface{}) error {
	return nil
}

func (discardingStateStore) TakeSnapshot(snapshot interface{}) error {
	return nil
}

func (discardingStateStore) Restore(applySnapshot, replay func(data json.RawMessage) error) error {
	return nil
}

// NewDiscardingStateStore creates a StateStore that does not retain any
// data. It may be used when durability of the scheduler's state across
// restarts is not required, and by tests.
func NewDiscardingStateStore() StateStore {
	return discardingStateStore{}
}
