package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-insight/internal/logging"
)

// AnalysisRecord is one confirmed analysis: the session it came from and the
// per-category selection the user signed off on.
type AnalysisRecord struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"column:session_id;uniqueIndex;size:64"`
	Name      string    `gorm:"column:name;size:128"`
	Location  string    `gorm:"column:location;size:128"`
	Race      string    `gorm:"column:race;size:64"`
	Age       string    `gorm:"column:age;size:64"`
	Gender    string    `gorm:"column:gender;size:64"`

	// Confidence of each confirmed label at confirmation time.
	RaceConfidence   float64 `gorm:"column:race_confidence"`
	AgeConfidence    float64 `gorm:"column:age_confidence"`
	GenderConfidence float64 `gorm:"column:gender_confidence"`

	// Overridden marks sessions where the user changed at least one
	// category away from the model's top prediction.
	Overridden bool      `gorm:"column:overridden"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetricsAggregation holds raw aggregates over confirmed analyses.
type MetricsAggregation struct {
	TotalCount            int64
	OverriddenCount       int64
	AverageRaceConfidence float64
}

// AnalysisRepository provides persistence APIs for confirmed analyses.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("analysis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// SaveRecord persists a confirmed analysis.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.SessionID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindBySessionID retrieves the confirmed analysis for a session.
func (r *AnalysisRepository) FindBySessionID(ctx context.Context, sessionID string) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := r.executeWithRetry(ctx, "repository.find_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).First(&record, "session_id = ?", sessionID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// AggregateMetrics computes summary aggregates over all confirmed analyses.
func (r *AnalysisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AnalysisRecord{}).
			Select("COUNT(*) AS total_count, " +
				"COUNT(*) FILTER (WHERE overridden) AS overridden_count, " +
				"COALESCE(AVG(race_confidence), 0) AS average_race_confidence").
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
