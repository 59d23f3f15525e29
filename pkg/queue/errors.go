package queue

import (
	"errors"
	"fmt"
)

var (
	ErrQueueClosed = errors.New("queue is closed")
	// ErrMessageTooBig is matched by every MessageTooBigError.
	ErrMessageTooBig = errors.New("message too big")
)

// MessageTooBigError is returned when an encoded message exceeds the configured size.
type MessageTooBigError struct {
	Type MessageType
	Key  string
	Size int
	Max  int
}

func (e *MessageTooBigError) Error() string {
	return fmt.Sprintf("message %s with key %s is %d bytes, above the %d bytes limit", e.Type, e.Key, e.Size, e.Max)
}

func (e *MessageTooBigError) Is(target error) bool {
	return target == ErrMessageTooBig
}

// IsMessageTooBig reports whether err is a MessageTooBigError.
func IsMessageTooBig(err error) bool {
	return errors.Is(err, ErrMessageTooBig)
}
