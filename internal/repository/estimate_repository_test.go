package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestNotFoundMapsRecordNotFound(t *testing.T) {
	err := notFound(gorm.ErrRecordNotFound)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatal("expected the gorm cause to be preserved")
	}

	other := errors.New("connection reset")
	if got := notFound(other); got != other {
		t.Fatalf("expected other errors to pass through, got %v", got)
	}
}

func TestEstimateLogTableName(t *testing.T) {
	if got := (EstimateLog{}).TableName(); got != "estimate_logs" {
		t.Fatalf("unexpected table name %q", got)
	}
}

// openTestDB connects to the database named by TEST_DATABASE_DSN and skips otherwise.
func openTestDB(t *testing.T) *EstimateRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	repo := NewEstimateRepository(db, zap.NewNop())
	if err := repo.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return repo
}

func TestEstimateRepositoryRoundTrip(t *testing.T) {
	repo := openTestDB(t)
	ctx := context.Background()
	userID := "user-" + uuid.NewString()
	hash := "da39a3ee5e6b4b0d3255bfef95601890afd80709"

	first := &EstimateLog{
		RequestID: uuid.NewString(),
		UserID:    userID,
		Filename:  "lunch.jpg",
		Backend:   "stub",
		Calories:  250,
		Outcome:   OutcomeCompleted,
		SHA1Hash:  hash,
		LatencyMs: 12,
		CreatedAt: time.Now().UTC(),
	}
	second := &EstimateLog{
		RequestID: uuid.NewString(),
		UserID:    userID,
		Filename:  "lunch.jpg",
		Backend:   "remote",
		Outcome:   OutcomeFailed,
		ErrorKind: "inference_error",
		SHA1Hash:  hash,
		LatencyMs: 2000,
		CreatedAt: time.Now().UTC(),
	}
	for _, log := range []*EstimateLog{first, second} {
		if err := repo.SaveLog(ctx, log); err != nil {
			t.Fatalf("save log: %v", err)
		}
	}

	found, err := repo.FindByRequestIDAndUser(ctx, first.RequestID, userID)
	if err != nil {
		t.Fatalf("find log: %v", err)
	}
	if found.Calories != 250 || found.Backend != "stub" {
		t.Fatalf("unexpected log: %+v", found)
	}

	if _, err := repo.FindByRequestIDAndUser(ctx, first.RequestID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another user, got %v", err)
	}

	duplicates, err := repo.FindDuplicatesByHash(ctx, userID, hash, first.RequestID)
	if err != nil {
		t.Fatalf("find duplicates: %v", err)
	}
	if len(duplicates) != 1 || duplicates[0].RequestID != second.RequestID {
		t.Fatalf("unexpected duplicates: %+v", duplicates)
	}

	agg, err := repo.AggregateMetrics(ctx, userID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.TotalCount != 2 || agg.CompletedCount != 1 || agg.AverageCalories != 250 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
}
