// Package history answers questions about a user's past uploads from the estimate audit log.
package history

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/food-calorie/internal/apperr"
	"github.com/example/food-calorie/internal/auth"
	"github.com/example/food-calorie/internal/logging"
	"github.com/example/food-calorie/internal/repository"
)

// Store defines the persistence operations needed by the history service.
type Store interface {
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.EstimateLog, error)
	FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*repository.EstimateLog, error)
	AggregateMetrics(ctx context.Context, userID string) (*repository.Aggregation, error)
}

// DuplicateReport lists earlier uploads of the same image.
type DuplicateReport struct {
	Request    *repository.EstimateLog
	Duplicates []*repository.EstimateLog
}

// Summary represents aggregated estimate insights for one user.
type Summary struct {
	TotalRequests     int64   `json:"total_requests"`
	CompletedRequests int64   `json:"completed_requests"`
	SuccessRate       float64 `json:"success_rate"`
	AverageCalories   float64 `json:"average_calories"`
	AverageLatencyMs  float64 `json:"average_latency_ms"`
}

type Service struct {
	store  Store
	logger *zap.Logger
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger.Named("history")}
}

// Get returns the caller's record for requestID. Records of other users are reported as missing.
func (s *Service) Get(ctx context.Context, identity auth.Identity, requestID string) (*repository.EstimateLog, error) {
	log, err := s.store.FindByRequestIDAndUser(ctx, requestID, identity.UserID())
	if err != nil {
		return nil, s.wrap("history.get", requestID, err)
	}
	return log, nil
}

// Duplicates reports the caller's other uploads of the image behind requestID.
func (s *Service) Duplicates(ctx context.Context, identity auth.Identity, requestID string) (*DuplicateReport, error) {
	log, err := s.Get(ctx, identity, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := s.store.FindDuplicatesByHash(ctx, identity.UserID(), log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, s.wrap("history.duplicates", requestID, err)
	}
	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}

// Summary aggregates the caller's estimate history.
func (s *Service) Summary(ctx context.Context, identity auth.Identity) (*Summary, error) {
	aggregation, err := s.store.AggregateMetrics(ctx, identity.UserID())
	if err != nil {
		return nil, s.wrap("history.summary", "", err)
	}

	summary := &Summary{
		TotalRequests:     aggregation.TotalCount,
		CompletedRequests: aggregation.CompletedCount,
		AverageCalories:   aggregation.AverageCalories,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
	}
	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.CompletedCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}

func (s *Service) wrap(op, requestID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.New(apperr.KindNotFound, op, "estimate not found", err)
	}
	wrapped := logging.NewOperationError(op, requestID, err)
	s.logger.Error("history lookup failed", zap.Error(wrapped))
	return apperr.NewTransient(apperr.KindStorage, op, "estimate history unavailable", wrapped)
}
