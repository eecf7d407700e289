package inference

import "context"

// DefaultStubCalories is what the stub reports for every image.
const DefaultStubCalories = 250.0

// Stub returns a fixed estimate. It backs integration tests and deployments without a model.
type Stub struct {
	calories float64
}

func NewStub(calories float64) *Stub {
	return &Stub{calories: calories}
}

func (s *Stub) Name() string { return "stub" }

func (s *Stub) Predict(ctx context.Context, _ []byte) (Estimate, error) {
	if err := ctx.Err(); err != nil {
		return Estimate{}, classifyModelError(ctx, s.Name(), err)
	}
	return newEstimate(s.Name(), s.calories)
}
