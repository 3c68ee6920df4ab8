package agent

import "errors"

// dependencyUnavailableError signals a missing runtime dependency such as
// llama support not compiled in.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var d dependencyUnavailableError
	return errors.As(err, &d)
}

// ChatTemplateError is returned by a session that cannot render the prompt
// with its chat template. It is reported to the balancer as a
// chat_template_error response rather than a request error.
type ChatTemplateError struct{ Reason string }

func (e *ChatTemplateError) Error() string { return "chat template error: " + e.Reason }

var (
	// ErrRunnerStopped is returned by Submit after Close.
	ErrRunnerStopped = errors.New("slot runner stopped")
	// ErrNoSlotsStarted is returned by Apply when every slot failed to start.
	ErrNoSlotsStarted = errors.New("no slot could start")
)
