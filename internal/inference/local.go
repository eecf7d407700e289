package inference

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/food-calorie/internal/metrics"
)

// ModelHandle is a loaded model ready to serve predictions.
type ModelHandle interface {
	Infer(ctx context.Context, image []byte) (float64, error)
}

// ModelLoader loads a model artifact from path.
type ModelLoader interface {
	Load(ctx context.Context, path string) (ModelHandle, error)
}

// LoaderFunc adapts a function to ModelLoader.
type LoaderFunc func(ctx context.Context, path string) (ModelHandle, error)

func (f LoaderFunc) Load(ctx context.Context, path string) (ModelHandle, error) {
	return f(ctx, path)
}

// LocalModel serves predictions from an in-process model that is loaded at most once.
// Concurrent first callers share a single in-flight load. A failed load is not
// remembered, so a later request tries again.
type LocalModel struct {
	path      string
	loader    ModelLoader
	logger    *zap.Logger
	metrics   *metrics.Metrics
	serialize bool

	mu     sync.RWMutex
	handle ModelHandle
	flight singleflight.Group

	// inferMu serializes Infer for runtimes that are not safe for concurrent use.
	inferMu sync.Mutex
}

// LocalOption customises a LocalModel.
type LocalOption func(*LocalModel)

// WithSerializedInference makes the backend run one prediction at a time.
func WithSerializedInference() LocalOption {
	return func(m *LocalModel) { m.serialize = true }
}

// WithLoadMetrics counts model load attempts.
func WithLoadMetrics(mt *metrics.Metrics) LocalOption {
	return func(m *LocalModel) { m.metrics = mt }
}

func NewLocalModel(path string, loader ModelLoader, logger *zap.Logger, opts ...LocalOption) *LocalModel {
	m := &LocalModel{
		path:   path,
		loader: loader,
		logger: logger.Named("local_model"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *LocalModel) Name() string { return "local" }

// Warm loads the model ahead of the first request.
func (m *LocalModel) Warm(ctx context.Context) error {
	if _, err := m.model(ctx); err != nil {
		return fail(m.Name(), ReasonUnavailable, err)
	}
	return nil
}

// Loaded reports whether the model has been loaded.
func (m *LocalModel) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil
}

func (m *LocalModel) Predict(ctx context.Context, image []byte) (Estimate, error) {
	handle, err := m.model(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Estimate{}, classifyModelError(ctx, m.Name(), ctx.Err())
		}
		return Estimate{}, fail(m.Name(), ReasonUnavailable, err)
	}

	if m.serialize {
		m.inferMu.Lock()
		defer m.inferMu.Unlock()
	}

	kcal, err := handle.Infer(ctx, image)
	if err != nil {
		return Estimate{}, classifyModelError(ctx, m.Name(), err)
	}
	return newEstimate(m.Name(), kcal)
}

func (m *LocalModel) model(ctx context.Context) (ModelHandle, error) {
	m.mu.RLock()
	handle := m.handle
	m.mu.RUnlock()
	if handle != nil {
		return handle, nil
	}

	// The load outlives any single caller so a cancelled request cannot fail it for the others.
	loadCtx := context.WithoutCancel(ctx)
	ch := m.flight.DoChan("model", func() (interface{}, error) {
		m.mu.RLock()
		loaded := m.handle
		m.mu.RUnlock()
		if loaded != nil {
			return loaded, nil
		}

		start := time.Now()
		loaded, err := m.loader.Load(loadCtx, m.path)
		if err == nil && loaded == nil {
			err = errors.New("loader returned no model")
		}
		if err != nil {
			m.metrics.ModelLoad("error")
			m.logger.Error("model load failed", zap.String("path", m.path), zap.Error(err))
			return nil, err
		}

		m.mu.Lock()
		m.handle = loaded
		m.mu.Unlock()

		m.metrics.ModelLoad("ok")
		m.logger.Info("model loaded", zap.String("path", m.path), zap.Duration("elapsed", time.Since(start)))
		return loaded, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(ModelHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
