package util

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Duration is a wrapper around time.Duration that can be unmarshaled
// from JSON strings in the format accepted by time.ParseDuration, such
// as "30s" or "2m30s". It is used in configuration structures.
type Duration time.Duration

var _ json.Unmarshaler = (*Duration)(nil)

// UnmarshalJSON parses a JSON string into a Duration.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return status.Error(codes.InvalidArgument, "Duration must be provided as a string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return StatusWrapWithCode(err, codes.InvalidArgument, "Invalid duration")
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON renders a Duration as a JSON string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// AsDuration converts the wrapper back to a time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}
