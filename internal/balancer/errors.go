package balancer

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyBufferedRequests signals that buffering is disabled or full.
	ErrTooManyBufferedRequests = errors.New("too many buffered requests")
	// ErrBufferTimeout signals that a buffered request waited too long for a slot.
	ErrBufferTimeout = errors.New("timed out waiting for a free slot")
	// ErrTokenTimeout signals that the agent did not produce a token in time.
	ErrTokenTimeout = errors.New("timed out waiting for a token")
	// ErrAgentDisconnected signals that the serving agent went away mid-request.
	ErrAgentDisconnected = errors.New("agent disconnected")
)

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return errors.Is(err, ErrTooManyBufferedRequests) }

// IsTimeout reports whether err is a buffering or token timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrBufferTimeout) || errors.Is(err, ErrTokenTimeout)
}

// ChatTemplateError is reported by an agent that could not render the prompt.
type ChatTemplateError struct{ Reason string }

func (e *ChatTemplateError) Error() string { return fmt.Sprintf("chat template error: %s", e.Reason) }
