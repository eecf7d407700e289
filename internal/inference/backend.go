// Package inference turns image bytes into calorie estimates through swappable backends.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/example/food-calorie/internal/apperr"
)

// Backend produces a calorie estimate for an image.
type Backend interface {
	Name() string
	Predict(ctx context.Context, image []byte) (Estimate, error)
}

// Estimate is an immutable prediction. It can only be built inside this package.
type Estimate struct {
	calories      float64
	backend       string
	confidence    float64
	hasConfidence bool
}

// Calories returns the non-negative estimate in kcal.
func (e Estimate) Calories() float64 { return e.calories }

// Backend names the backend that produced the estimate.
func (e Estimate) Backend() string { return e.backend }

// Confidence returns the model's confidence in [0,1] when the backend reports one.
func (e Estimate) Confidence() (float64, bool) { return e.confidence, e.hasConfidence }

func newEstimate(backend string, calories float64) (Estimate, error) {
	if math.IsNaN(calories) || math.IsInf(calories, 0) || calories < 0 {
		return Estimate{}, fail(backend, ReasonInvalidOutput, fmt.Errorf("model returned %v kcal", calories))
	}
	return Estimate{calories: calories, backend: backend}, nil
}

func (e Estimate) withConfidence(confidence float64) Estimate {
	e.confidence = math.Max(0, math.Min(1, confidence))
	e.hasConfidence = true
	return e
}

// Reason explains why a backend could not produce an estimate.
type Reason string

const (
	ReasonMalformed     Reason = "malformed_image"
	ReasonUnsupported   Reason = "unsupported_format"
	ReasonUnavailable   Reason = "unavailable"
	ReasonTimeout       Reason = "timeout"
	ReasonTooLarge      Reason = "too_large"
	ReasonInvalidOutput Reason = "invalid_output"
	ReasonFailed        Reason = "failed"
)

// Transient reports whether the backend ran out of time rather than refused the image.
// An unavailable backend is a bad gateway, not a transient failure.
func (r Reason) Transient() bool {
	return r == ReasonTimeout
}

var (
	// ErrMalformedImage is returned by models for bytes that are not a decodable image.
	ErrMalformedImage = errors.New("malformed image")
	// ErrUnsupportedFormat is returned by models for image formats they cannot read.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Error is the cause carried by every inference failure.
type Error struct {
	Backend string
	Reason  Reason
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s backend: %s", e.Backend, e.Reason)
	}
	return fmt.Sprintf("%s backend: %s: %v", e.Backend, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ReasonOf extracts the inference failure reason from err.
func ReasonOf(err error) (Reason, bool) {
	var infErr *Error
	if errors.As(err, &infErr) {
		return infErr.Reason, true
	}
	return "", false
}

var reasonMessages = map[Reason]string{
	ReasonMalformed:     "image could not be decoded",
	ReasonUnsupported:   "image format is not supported",
	ReasonUnavailable:   "inference backend unavailable",
	ReasonTimeout:       "inference timed out",
	ReasonTooLarge:      "image exceeds the inference backend message limit",
	ReasonInvalidOutput: "inference backend returned an invalid estimate",
	ReasonFailed:        "inference failed",
}

// fail builds the tagged error returned by backends.
func fail(backend string, reason Reason, err error) error {
	return &apperr.Error{
		Kind:      apperr.KindInference,
		Op:        "inference." + backend,
		Message:   reasonMessages[reason],
		Transient: reason.Transient(),
		Err:       &Error{Backend: backend, Reason: reason, Err: err},
	}
}

// classifyModelError maps errors returned by model handles.
func classifyModelError(ctx context.Context, backend string, err error) error {
	switch {
	case errors.Is(err, ErrMalformedImage):
		return fail(backend, ReasonMalformed, err)
	case errors.Is(err, ErrUnsupportedFormat):
		return fail(backend, ReasonUnsupported, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fail(backend, ReasonTimeout, err)
	case errors.Is(err, context.Canceled):
		return fail(backend, ReasonUnavailable, err)
	default:
		return fail(backend, ReasonFailed, err)
	}
}
