package pipeline

import (
	"errors"
	"fmt"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/resilience"
)

// ErrorKind classifies how a stage failed.
type ErrorKind int

const (
	// KindNone marks a successful result.
	KindNone ErrorKind = iota
	// KindTimeout means the stage exceeded its deadline.
	KindTimeout
	// KindDeclared is an expected domain failure raised as a *StageError.
	KindDeclared
	// KindTransient is a retryable I/O or connection failure.
	KindTransient
	// KindUnexpected is anything else, including circuit-open rejections.
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindDeclared:
		return "declared"
	case KindTransient:
		return "transient"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// StageError is a failure a stage raises on purpose. It is never retried.
type StageError struct {
	Message     string
	Recoverable bool
	Err         error
}

// NewStageError builds a declared stage failure.
func NewStageError(recoverable bool, format string, args ...any) *StageError {
	return &StageError{Message: fmt.Sprintf(format, args...), Recoverable: recoverable}
}

// WrapStageError builds a declared stage failure carrying its cause.
func WrapStageError(err error, recoverable bool, format string, args ...any) *StageError {
	return &StageError{Message: fmt.Sprintf(format, args...), Recoverable: recoverable, Err: err}
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StageError) Unwrap() error { return e.Err }

// FatalError means both the normal and the forced terminal write failed and
// the conversation may be left in a non-terminal status. It is the only error
// a pipeline run returns to its caller.
type FatalError struct {
	ConversationID string
	Status         model.ConversationStatus
	WriteErr       error
	ForcedErr      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("finalization: conversation %s could not be marked %s (write: %v; forced write: %v)",
		e.ConversationID, e.Status, e.WriteErr, e.ForcedErr)
}

func (e *FatalError) Unwrap() []error {
	return []error{e.WriteErr, e.ForcedErr}
}

// classify maps an error returned by a stage onto an ErrorKind. A fatal
// finalization error is unexpected and a breaker rejection is unexpected even
// though the dependency may recover.
func classify(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return KindDeclared
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return KindUnexpected
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return KindUnexpected
	}
	if resilience.IsTransient(err) {
		return KindTransient
	}
	return KindUnexpected
}

func isRetryable(err error) bool {
	return classify(err) == KindTransient
}
