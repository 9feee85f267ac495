package util

import (
	"github.com/google/uuid"
)

// UUIDGenerator matches the signature of the UUID library's generation
// functions, so that code handing out operation and session names can
// have its generator replaced by a deterministic one in tests.
type UUIDGenerator func() (uuid.UUID, error)

var _ UUIDGenerator = uuid.NewRandom
