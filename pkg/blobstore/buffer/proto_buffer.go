package buffer

import (
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// protoBuffer holds an object from a Protobuf backed store, such as an
// ActionResult from the Action Cache. Both the marshaled and the
// unmarshaled form are retained, which means every accessor can be
// served without a conversion that might fail.
type protoBuffer struct {
	validatedByteSliceBuffer
	message proto.Message
}

// NewProtoBufferFromProto creates a buffer from an unmarshaled Protobuf
// message. This is the shape in which the scheduler hands completed
// action results to the Action Cache.
func NewProtoBufferFromProto(message proto.Message, source Source) Buffer {
	data, err := proto.Marshal(message)
	if err != nil {
		return NewBufferFromError(source.notifyProtoMarshalFailure(err))
	}
	source.notifyDataValid()
	return &protoBuffer{
		validatedByteSliceBuffer: validatedByteSliceBuffer{data: data},
		message:                  message,
	}
}

// NewProtoBufferFromByteSlice creates a buffer from the marshaled form
// of a Protobuf message. The provided message acts as a template for
// the expected type; unmarshaling into it validates the data.
func NewProtoBufferFromByteSlice(m proto.Message, data []byte, source Source) Buffer {
	if err := proto.Unmarshal(data, m); err != nil {
		return NewBufferFromError(source.notifyProtoUnmarshalFailure(err))
	}
	source.notifyDataValid()
	return &protoBuffer{
		validatedByteSliceBuffer: validatedByteSliceBuffer{data: data},
		message:                  m,
	}
}

// NewProtoBufferFromReader creates a buffer by reading the marshaled
// form of a Protobuf message from a ReadCloser, as when action results
// arrive from a storage backend over the network.
func NewProtoBufferFromReader(m proto.Message, r io.ReadCloser, source Source) Buffer {
	// Action Cache entries are small, so buffering the whole message
	// is fine. It also gives GetSizeBytes() an exact answer.
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return NewBufferFromError(err)
	}
	return NewProtoBufferFromByteSlice(m, data, source)
}

func (b *protoBuffer) ToProto(m proto.Message, maximumSizeBytes int) (proto.Message, error) {
	if len(b.validatedByteSliceBuffer.data) > maximumSizeBytes {
		return nil, status.Errorf(codes.InvalidArgument, "Buffer is %d bytes in size, while a maximum of %d bytes is permitted", len(b.data), maximumSizeBytes)
	}
	return b.message, nil
}

func (b *protoBuffer) CloneCopy(maximumSizeBytes int) (Buffer, Buffer) {
	return b, b
}

func (b *protoBuffer) applyErrorHandler(errorHandler ErrorHandler) (Buffer, bool) {
	// Data already validated, so there is nothing for the error
	// handler to observe.
	errorHandler.Done()
	return b, false
}
