package bazel

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedAspectRecord marks a single aspect output unit that could
	// not be turned into a rule entry. The unit is skipped.
	ErrMalformedAspectRecord = errors.New("malformed aspect record")

	// ErrDuplicateRuleDefinition marks a second record for a label that was
	// already defined. The first definition wins.
	ErrDuplicateRuleDefinition = errors.New("duplicate rule definition")

	// ErrBuildToolInvocationFailed aborts an extraction: the build tool could
	// not be run, exited non-zero, was cancelled, or its output could not be
	// collected.
	ErrBuildToolInvocationFailed = errors.New("build tool invocation failed")

	// ErrBuildToolTimeout aborts an extraction whose deadline expired while
	// the build tool was running.
	ErrBuildToolTimeout = errors.New("build tool timed out")
)

// RecordError describes why an aspect output unit was rejected.
type RecordError struct {
	Label  string // Label of the record, empty if it could not be read
	Reason string
	Err    error // Underlying decode or label error, if any
}

func (e *RecordError) Error() string {
	msg := ErrMalformedAspectRecord.Error()
	if e.Label != "" {
		msg += ": " + e.Label
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RecordError) Is(target error) bool {
	return target == ErrMalformedAspectRecord
}

func (e *RecordError) Unwrap() error {
	return e.Err
}
