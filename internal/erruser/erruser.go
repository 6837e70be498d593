// Package erruser provides errors whose Error() returns a user-facing message
// that names the responsible stage or artifact, while the failure kind and the
// underlying cause stay reachable through errors.Is / errors.As.
package erruser

import "errors"

// Failure kinds. Every error that stops a run wraps exactly one of them.
var (
	// ErrConfig marks configuration errors: unknown stage names, a missing
	// driver script, malformed settings. Fatal, never retried.
	ErrConfig = errors.New("configuration error")
	// ErrPrecondition marks failed preconditions: no backend, no input
	// images, missing project directory. The requested operation does not start.
	ErrPrecondition = errors.New("precondition failed")
	// ErrPartial marks operations that completed for some items only.
	ErrPartial = errors.New("partial failure")
)

// Err holds a user-facing message, its failure kind and an optional cause.
type Err struct {
	Kind error
	Msg  string
	Err  error
}

// Error returns the user-facing message only.
func (e *Err) Error() string {
	if e == nil {
		return ""
	}
	return e.Msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Err) Unwrap() []error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Config returns a configuration error with the given message.
func Config(msg string, cause error) error {
	return &Err{Kind: ErrConfig, Msg: msg, Err: cause}
}

// Precondition returns a precondition failure with the given message.
func Precondition(msg string, cause error) error {
	return &Err{Kind: ErrPrecondition, Msg: msg, Err: cause}
}

// Details returns the cause of a user-facing error for logs, or nil.
func Details(err error) error {
	var ue *Err
	if errors.As(err, &ue) {
		return ue.Err
	}
	return nil
}
