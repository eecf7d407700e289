package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/food-calorie/internal/retry"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// ErrNotFound is returned when no estimate matches the request and owner.
var ErrNotFound = errors.New("estimate not found")

// EstimateLog is the audit record of one upload dispatch.
type EstimateLog struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID    string    `gorm:"column:user_id;index;size:128"`
	Filename  string    `gorm:"column:filename;size:128"`
	Backend   string    `gorm:"column:backend;size:32"`
	Calories  float64   `gorm:"column:calories"`
	Outcome   string    `gorm:"column:outcome;size:16"`
	ErrorKind string    `gorm:"column:error_kind;size:32"`
	SHA1Hash  string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs int64     `gorm:"column:latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (EstimateLog) TableName() string {
	return "estimate_logs"
}

// Aggregation summarizes a user's estimate history.
type Aggregation struct {
	TotalCount       int64   `gorm:"column:total_count"`
	CompletedCount   int64   `gorm:"column:completed_count"`
	AverageCalories  float64 `gorm:"column:average_calories"`
	AverageLatencyMs float64 `gorm:"column:average_latency_ms"`
}

// maxDuplicates bounds FindDuplicatesByHash.
const maxDuplicates = 20

// EstimateRepository provides persistence APIs for estimate logs.
type EstimateRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewEstimateRepository creates a new repository instance.
func NewEstimateRepository(db *gorm.DB, logger *zap.Logger) *EstimateRepository {
	return &EstimateRepository{
		db:     db,
		logger: logger.Named("estimate_repository"),
		policy: retry.DefaultPolicy(),
	}
}

// AutoMigrate ensures the schema is available.
func (r *EstimateRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&EstimateLog{})
}

// SaveLog persists an estimate log entry, retrying transient database errors.
func (r *EstimateRepository) SaveLog(ctx context.Context, log *EstimateLog) error {
	return r.policy.Do(ctx, r.logger, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves the log matching the request and owner.
func (r *EstimateRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*EstimateLog, error) {
	var log EstimateLog
	err := r.policy.Do(ctx, r.logger, "repository.find_log", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &log, nil
}

// FindDuplicatesByHash lists the user's earlier uploads of byte-identical images.
func (r *EstimateRepository) FindDuplicatesByHash(ctx context.Context, userID, hash, excludeRequestID string) ([]*EstimateLog, error) {
	var logs []*EstimateLog
	err := r.policy.Do(ctx, r.logger, "repository.find_duplicates", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("user_id = ? AND sha1_hash = ? AND request_id <> ?", userID, hash, excludeRequestID).
			Order("created_at DESC").
			Limit(maxDuplicates).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarizes the user's estimate history.
func (r *EstimateRepository) AggregateMetrics(ctx context.Context, userID string) (*Aggregation, error) {
	var agg Aggregation
	err := r.policy.Do(ctx, r.logger, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&EstimateLog{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0) AS completed_count, "+
					"COALESCE(AVG(CASE WHEN outcome = ? THEN calories END), 0) AS average_calories, "+
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
				OutcomeCompleted, OutcomeCompleted,
			).
			Where("user_id = ?", userID).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}
