package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedPacket is the root of every decoding failure. The Recorder
// treats it as ignorable: the packet is dropped and the server keeps going.
var ErrMalformedPacket = errors.New("malformed packet")

// DecodeError wraps a decoding failure with the tag and byte offset at
// which it was detected.
type DecodeError struct {
	Tag    string
	Offset int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("%s: tag %q at offset %d: %s", ErrMalformedPacket, e.Tag, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s: %s", ErrMalformedPacket, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformedPacket, e.Err}
}
