package operation

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
)

// Error categories. Every error surfaced to the command layer wraps exactly one.
var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrTransport       = errors.New("transport error")
	ErrOperationFailed = errors.New("operation failed")
	ErrTimeout         = errors.New("operation still in progress")

	ErrInvalidName = fmt.Errorf("%w: invalid resource name", ErrValidation)
)

// Error is a categorized API or operation error.
type Error struct {
	Kind      error
	Code      codes.Code
	Message   string
	Operation string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Operation != "" {
		fmt.Fprintf(&b, " [%s]", e.Operation)
	}
	if e.Code != codes.OK {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the category and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindForCode maps a gRPC status code to an error category.
func KindForCode(code codes.Code) error {
	switch code {
	case codes.NotFound:
		return ErrNotFound
	case codes.InvalidArgument, codes.AlreadyExists, codes.FailedPrecondition,
		codes.OutOfRange, codes.Aborted:
		return ErrValidation
	default:
		return ErrTransport
	}
}

// FromCode builds a categorized error from a server status.
func FromCode(code codes.Code, message string, cause error) error {
	return &Error{
		Kind:    KindForCode(code),
		Code:    code,
		Message: message,
		Err:     cause,
	}
}

// Transport wraps a network or auth failure.
func Transport(err error) error {
	return &Error{Kind: ErrTransport, Err: err}
}

// Validation reports bad user input that never reached the server.
func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// InvalidName reports a resource name that cannot be canonicalized.
func InvalidName(name, reason string) error {
	return &Error{Kind: ErrInvalidName, Message: fmt.Sprintf("%q: %s", name, reason)}
}

// Failed reports a server-side operation failure with the server's status.
func Failed(op *Operation) error {
	e := &Error{Kind: ErrOperationFailed, Operation: op.Name}
	if op.Error != nil {
		e.Code = op.Error.Code
		e.Message = op.Error.Message
	}
	return e
}

// Timeout reports that an operation was still running when waiting stopped.
func Timeout(name string, cause error) error {
	return &Error{
		Kind:      ErrTimeout,
		Operation: name,
		Message:   "the operation may still complete on the server",
		Err:       cause,
	}
}

// Category names the error category for display.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrOperationFailed):
		return "operation failed"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not found"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "error"
	}
}

// StateOf maps the error returned by Waiter.Wait to a terminal state.
func StateOf(err error) State {
	switch {
	case err == nil:
		return StateSucceeded
	case errors.Is(err, ErrTimeout):
		return StateTimedOut
	default:
		return StateFailed
	}
}
