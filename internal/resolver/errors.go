package resolver

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Execute after the resolver has been closed
var ErrClosed = errors.New("resolver closed")

// errUnresolved fails requests that a batch left without an outcome
var errUnresolved = errors.New("request left unresolved by batch")

// Kind discriminates the variants of Error
type Kind int

const (
	KindEncode Kind = iota + 1
	KindDecode
	KindResultLengthMismatch
	KindExecutor
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindEncode:
		return "EncodeError"
	case KindDecode:
		return "DecodeError"
	case KindResultLengthMismatch:
		return "ResultLengthMismatch"
	case KindExecutor:
		return "ExecutorError"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the closed set of failures a resolver attaches to a request.
// The concrete types are *EncodeError, *DecodeError,
// *ResultLengthMismatchError and *ExecutorError.
type Error interface {
	error
	Kind() Kind
	resolverError()
}

// EncodeError reports a key that the request codec rejected
type EncodeError struct {
	Tag string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("resolver %s: encode key: %v", e.Tag, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
func (e *EncodeError) Kind() Kind    { return KindEncode }
func (*EncodeError) resolverError()  {}

// DecodeError reports a result row that the result codec rejected.
// Index is the row position in the executor response.
type DecodeError struct {
	Tag   string
	Index int
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("resolver %s: decode row %d: %v", e.Tag, e.Index, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Kind() Kind    { return KindDecode }
func (*DecodeError) resolverError()  {}

// ResultLengthMismatchError reports an executor response whose row or
// acknowledgment count differs from the number of submitted keys
type ResultLengthMismatchError struct {
	Tag      string
	Expected int
	Actual   int
}

func (e *ResultLengthMismatchError) Error() string {
	return fmt.Sprintf("resolver %s: result length mismatch: expected %d, got %d", e.Tag, e.Expected, e.Actual)
}

func (e *ResultLengthMismatchError) Kind() Kind { return KindResultLengthMismatch }
func (*ResultLengthMismatchError) resolverError() {}

// ExecutorError wraps a failure of the query executor
type ExecutorError struct {
	Tag string
	Err error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("resolver %s: executor: %v", e.Tag, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }
func (e *ExecutorError) Kind() Kind    { return KindExecutor }
func (*ExecutorError) resolverError()  {}

// AsError extracts the resolver Error from err's chain
func AsError(err error) (Error, bool) {
	var re Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
