package mailauth

import (
	"errors"
	"fmt"
)

// ErrUnavailable is wrapped by an EvaluationError when no nameserver could
// be reached. The request may be retried later.
var ErrUnavailable = errors.New("mailauth: DNS transport unavailable")

// ClientInputError reports a request that cannot be evaluated as given.
// It is returned before any DNS traffic.
type ClientInputError struct {
	Field  string
	Reason string
}

func (e *ClientInputError) Error() string {
	return fmt.Sprintf("mailauth: invalid %s: %s", e.Field, e.Reason)
}

// Stages of an evaluation, as reported by EvaluationError.
const (
	StageSPF   = "spf"
	StageDKIM  = "dkim"
	StageDMARC = "dmarc"
)

// EvaluationError reports an evaluation that could not produce a verdict:
// the DNS transport was lost (ErrUnavailable) or the context ended.
// A failed authentication is never an error; it is a Result.
type EvaluationError struct {
	Stage string
	Err   error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("mailauth: %s evaluation: %v", e.Stage, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// IsClientError reports whether err was caused by the request rather than
// by the engine or its environment.
func IsClientError(err error) bool {
	var ce *ClientInputError
	return errors.As(err, &ce)
}
