package util

import (
	"context"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatusWrap prepends a string to the message of an existing error,
// while preserving its gRPC status code.
func StatusWrap(err error, msg string) error {
	p := status.Convert(err).Proto()
	p.Message = fmt.Sprintf("%s: %s", msg, p.Message)
	return status.ErrorProto(p)
}

// StatusWrapf prepends a formatted string to the message of an existing
// error, while preserving its gRPC status code.
func StatusWrapf(err error, format string, args ...interface{}) error {
	return StatusWrap(err, fmt.Sprintf(format, args...))
}

// StatusWrapWithCode prepends a string to the message of an existing
// error, while replacing the error code.
func StatusWrapWithCode(err error, code codes.Code, msg string) error {
	p := status.Convert(err).Proto()
	p.Code = int32(code)
	p.Message = fmt.Sprintf("%s: %s", msg, p.Message)
	return status.ErrorProto(p)
}

// StatusWrapfWithCode prepends a formatted string to the message of an
// existing error, while replacing the error code.
func StatusWrapfWithCode(err error, code codes.Code, format string, args ...interface{}) error {
	return StatusWrapWithCode(err, code, fmt.Sprintf(format, args...))
}

// StatusFromMultiple combines multiple errors into a single error. The
// status code of the first error is retained, while the messages of all
// distinct errors are concatenated.
func StatusFromMultiple(errs []error) error {
	if len(errs) == 0 {
		return status.Error(codes.Internal, "Cannot create status for empty list of errors")
	}
	p := status.Convert(errs[0]).Proto()
	seen := map[string]bool{p.Message: true}
	for _, err := range errs[1:] {
		if message := status.Convert(err).Proto().Message; !seen[message] {
			seen[message] = true
			p.Message += ", " + message
		}
	}
	return status.ErrorProto(p)
}

// StatusFromContext converts the error of a canceled or expired Context
// object to a gRPC status error. Passing these errors around verbatim
// would cause them to be reported as codes.Unknown.
func StatusFromContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		switch err {
		case context.Canceled:
			return status.Error(codes.Canceled, err.Error())
		case context.DeadlineExceeded:
			return status.Error(codes.DeadlineExceeded, err.Error())
		default:
			return status.Error(codes.Unknown, err.Error())
		}
	}
	return nil
}
