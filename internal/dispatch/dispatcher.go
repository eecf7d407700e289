// Package dispatch runs a single image upload from validation to response.
package dispatch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
	"github.com/example/food-calorie/internal/auth"
	"github.com/example/food-calorie/internal/inference"
	"github.com/example/food-calorie/internal/logging"
	"github.com/example/food-calorie/internal/metrics"
	"github.com/example/food-calorie/internal/repository"
	"github.com/example/food-calorie/internal/storage"
	"github.com/example/food-calorie/internal/telemetry"
)

// AuditLog persists one record per dispatched upload.
type AuditLog interface {
	SaveLog(ctx context.Context, log *repository.EstimateLog) error
}

// UploadRequest is the raw upload as received from the client.
type UploadRequest struct {
	Data     []byte
	Filename string
	// ContentLength is the size the client declared, or zero when unknown.
	ContentLength int64
}

// Result is the outcome of a completed dispatch.
type Result struct {
	Filename  string
	UserID    string
	Estimate  inference.Estimate
	RequestID string
	AssetKey  string
}

// auditTimeout bounds the best-effort audit write after the response is decided.
const auditTimeout = 2 * time.Second

// Dispatcher validates an upload, stores it for the duration of the request, asks the
// backend for an estimate and releases the storage before returning.
type Dispatcher struct {
	store          *storage.Store
	backend        inference.Backend
	maxUploadBytes int64
	allowedTypes   []string
	audit          AuditLog
	logger         *zap.Logger
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	newRequestID   func() string
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithAuditLog records every terminal state. Audit failures are logged and never fail a request.
func WithAuditLog(a AuditLog) Option {
	return func(d *Dispatcher) { d.audit = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithAllowedTypes restricts uploads to sniffed content types starting with one of prefixes,
// for example "image/".
func WithAllowedTypes(prefixes ...string) Option {
	return func(d *Dispatcher) { d.allowedTypes = prefixes }
}

func WithRequestIDFunc(fn func() string) Option {
	return func(d *Dispatcher) { d.newRequestID = fn }
}

func New(store *storage.Store, backend inference.Backend, maxUploadBytes int64, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          store,
		backend:        backend,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.Named("dispatcher"),
		tracer:         telemetry.Tracer("dispatch"),
		newRequestID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs req on behalf of identity. Whatever happens after storage was acquired,
// the asset is released before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, identity auth.Identity, req UploadRequest) (*Result, error) {
	requestID := d.newRequestID()
	start := time.Now()

	ctx, span := d.tracer.Start(ctx, "dispatch.upload", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("inference.backend", d.backend.Name()),
		attribute.Int("upload.bytes", len(req.Data)),
	))
	defer span.End()

	tracker := newTracker(logging.WithOperation(d.logger, "dispatch.upload", requestID))

	result, err := d.run(ctx, identity, req, requestID, tracker)
	elapsed := time.Since(start)

	outcome := repository.OutcomeCompleted
	if err != nil {
		outcome = repository.OutcomeFailed
		tracker.fail(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, string(apperr.KindOf(err)))
	} else {
		tracker.to(StateCompleted, zap.Float64("calories", result.Estimate.Calories()), zap.Duration("elapsed", elapsed))
	}
	d.metrics.ObserveDispatch(outcome, elapsed)
	d.record(ctx, identity, req, requestID, result, err, elapsed)

	return result, err
}

func (d *Dispatcher) run(ctx context.Context, identity auth.Identity, req UploadRequest, requestID string, tracker *tracker) (*Result, error) {
	if identity.IsZero() {
		return nil, apperr.New(apperr.KindAuth, "dispatch.upload", "request is not authenticated", auth.ErrInvalidCredential)
	}
	if err := d.validate(req); err != nil {
		return nil, err
	}
	tracker.to(StateValidated, zap.Int("bytes", len(req.Data)))

	var (
		result *Result
		stored bool
	)
	err := d.store.WithAsset(ctx, req.Data, req.Filename, func(asset *storage.Asset) error {
		stored = true
		tracker.to(StateStored, zap.String("asset_key", asset.Key), zap.String("content_type", asset.ContentType))

		image, err := d.store.Read(asset)
		if err != nil {
			return err
		}
		estimate, err := d.predict(ctx, image)
		if err != nil {
			return err
		}
		tracker.to(StatePredicted, zap.String("backend", estimate.Backend()))

		result = &Result{
			Filename:  asset.Name,
			UserID:    identity.UserID(),
			Estimate:  estimate,
			RequestID: requestID,
			AssetKey:  asset.Key,
		}
		return nil
	})
	if stored {
		tracker.to(StateReleased)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *Dispatcher) validate(req UploadRequest) error {
	const op = "dispatch.validate"
	switch {
	case req.ContentLength > d.maxUploadBytes:
		return apperr.Validation(op, fmt.Sprintf("declared size %d exceeds limit of %d bytes", req.ContentLength, d.maxUploadBytes))
	case len(req.Data) == 0:
		return apperr.Validation(op, "empty payload")
	case int64(len(req.Data)) > d.maxUploadBytes:
		return apperr.Validation(op, fmt.Sprintf("payload exceeds limit of %d bytes", d.maxUploadBytes))
	case req.ContentLength > 0 && req.ContentLength != int64(len(req.Data)):
		return apperr.Validation(op, "payload size does not match declared length")
	case strings.TrimSpace(req.Filename) == "":
		return apperr.Validation(op, "filename is required")
	}

	if len(d.allowedTypes) > 0 {
		detected := mimetype.Detect(req.Data).String()
		for _, prefix := range d.allowedTypes {
			if strings.HasPrefix(detected, prefix) {
				return nil
			}
		}
		return apperr.Validation(op, fmt.Sprintf("content type %s is not accepted", detected))
	}
	return nil
}

// predict calls the backend, converting a panic into an internal error so the
// dispatch still reaches a terminal state.
func (d *Dispatcher) predict(ctx context.Context, image []byte) (estimate inference.Estimate, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.KindInternal, "dispatch.predict", "inference backend failed", fmt.Errorf("panic: %v", r))
		}
		outcome := "ok"
		if err != nil {
			outcome = string(apperr.KindOf(err))
		}
		d.metrics.ObserveInference(d.backend.Name(), outcome, time.Since(start))
	}()

	ctx, span := d.tracer.Start(ctx, "inference.predict", trace.WithAttributes(attribute.String("inference.backend", d.backend.Name())))
	defer span.End()

	return d.backend.Predict(ctx, image)
}

func (d *Dispatcher) record(ctx context.Context, identity auth.Identity, req UploadRequest, requestID string, result *Result, err error, elapsed time.Duration) {
	if d.audit == nil || identity.IsZero() {
		return
	}

	sum := sha1.Sum(req.Data)
	log := &repository.EstimateLog{
		RequestID: requestID,
		UserID:    identity.UserID(),
		Filename:  storage.SanitizeName(req.Filename),
		Backend:   d.backend.Name(),
		Outcome:   repository.OutcomeCompleted,
		SHA1Hash:  hex.EncodeToString(sum[:]),
		LatencyMs: elapsed.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if err != nil {
		log.Outcome = repository.OutcomeFailed
		log.ErrorKind = string(apperr.KindOf(err))
	} else {
		log.Calories = result.Estimate.Calories()
		log.Backend = result.Estimate.Backend()
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if saveErr := d.audit.SaveLog(auditCtx, log); saveErr != nil {
		wrapped := logging.NewOperationError("dispatch.audit", requestID, saveErr)
		d.logger.Warn("failed to record estimate", zap.Error(wrapped))
	}
}
