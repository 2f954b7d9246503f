package memsan

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOptions is returned by New when an option is out of range or
	// inconsistent. The concrete complaint can be accessed via errors.As with
	// *ErrOptionValue.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrClosed is returned by operations that need a live runtime after
	// Close has run.
	ErrClosed = errors.New("runtime is closed")

	// ErrNoReportSink is returned by upload operations when no sink was
	// configured.
	ErrNoReportSink = errors.New("no report sink configured")
)

// ErrOptionValue reports a single rejected option value.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrOptionValue struct {
	Option string
	Value  any
	Reason string
	cause  error
}

func (e *ErrOptionValue) Error() string {
	return fmt.Sprintf("option %s=%v: %s", e.Option, e.Value, e.Reason)
}

func (e *ErrOptionValue) Unwrap() error { return e.cause }

// invalidOption wraps a rejected value so both errors.Is(err,
// ErrInvalidOptions) and errors.As(err, **ErrOptionValue) work.
func invalidOption(option string, value any, reason string) error {
	return fmt.Errorf("%w: %w", ErrInvalidOptions, &ErrOptionValue{
		Option: option,
		Value:  value,
		Reason: reason,
	})
}

// invalidOptionErr is invalidOption for values rejected by a lower layer.
func invalidOptionErr(option string, value any, cause error) error {
	return fmt.Errorf("%w: %w", ErrInvalidOptions, &ErrOptionValue{
		Option: option,
		Value:  value,
		Reason: cause.Error(),
		cause:  cause,
	})
}
