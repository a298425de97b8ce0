package pipeline

import (
	"errors"
	"fmt"

	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// Stage names used in errors, logs and metrics.
const (
	StageParse     = "parse"
	StageFetch     = "fetch"
	StageDecode    = "decode"
	StageThumbnail = "thumbnail"
	StageQuality   = "quality"
	StageDedup     = "dedup"
	StagePersist   = "persist"
)

// StageError records which stage failed and whether redelivery can help.
type StageError struct {
	Stage string
	Class schema.FailureType
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.Class, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func retryable(stage string, err error) error {
	return &StageError{Stage: stage, Class: schema.FailureTypeRetryable, Err: err}
}

func permanent(stage string, err error) error {
	return &StageError{Stage: stage, Class: schema.FailureTypePermanent, Err: err}
}

func invalid(stage string, err error) error {
	return &StageError{Stage: stage, Class: schema.FailureTypeValidation, Err: err}
}

// Classify returns the failure class of err. Errors that did not come from a
// stage are treated as retryable.
func Classify(err error) schema.FailureType {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Class
	}
	return schema.FailureTypeRetryable
}

// IsTerminal reports whether the message carrying err should be deleted
// instead of left for redelivery.
func IsTerminal(err error) bool {
	c := Classify(err)
	return c == schema.FailureTypePermanent || c == schema.FailureTypeValidation
}

// StageOf returns the failing stage, or "" when err carries none.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
