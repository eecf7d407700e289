package dispatch

import (
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
)

// State is a step in the life of one upload.
type State string

const (
	StateReceived  State = "received"
	StateValidated State = "validated"
	StateStored    State = "stored"
	StatePredicted State = "predicted"
	StateReleased  State = "released"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// tracker logs each transition of a single dispatch.
type tracker struct {
	logger  *zap.Logger
	current State
}

func newTracker(logger *zap.Logger) *tracker {
	t := &tracker{logger: logger, current: StateReceived}
	logger.Debug("upload received")
	return t
}

func (t *tracker) to(next State, fields ...zap.Field) {
	t.logger.Debug("upload state changed", append(fields, zap.String("from", string(t.current)), zap.String("to", string(next)))...)
	t.current = next
}

func (t *tracker) fail(err error) {
	kind := apperr.KindOf(err)
	fields := []zap.Field{zap.String("from", string(t.current)), zap.String("kind", string(kind)), zap.Error(err)}
	t.current = StateFailed
	if kind == apperr.KindValidation || kind == apperr.KindAuth {
		t.logger.Info("upload rejected", fields...)
		return
	}
	t.logger.Warn("upload failed", fields...)
}
