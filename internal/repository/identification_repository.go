package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/equipment-voice/internal/logging"
)

// Record kinds.
const (
	KindIdentify = "identify"
	KindVocalize = "vocalize"
)

// Record statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned when no record matches a request id.
var ErrNotFound = errors.New("identification record not found")

// IdentificationRecord is the audit row written for every pipeline request.
type IdentificationRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	RequestID string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	Kind      string    `gorm:"column:kind;size:16;index" json:"kind"`
	Subject   string    `gorm:"column:subject;size:128" json:"subject,omitempty"`
	Filename  string    `gorm:"column:filename;size:255" json:"filename,omitempty"`
	SHA1Hash  string    `gorm:"column:sha1_hash;size:40;index" json:"sha1_hash,omitempty"`
	Label     string    `gorm:"column:label;type:text" json:"label"`
	Status    string    `gorm:"column:status;size:16" json:"status"`
	Error     string    `gorm:"column:error;type:text" json:"error,omitempty"`
	LatencyMs int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (IdentificationRecord) TableName() string {
	return "identification_records"
}

// MetricsAggregation is the raw aggregate read from the records table.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	IdentifyCount    int64
	VocalizeCount    int64
	AverageLatencyMs float64
}

// IdentificationRepository persists audit records.
type IdentificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewIdentificationRepository creates a new repository instance.
func NewIdentificationRepository(db *gorm.DB, logger *zap.Logger) *IdentificationRepository {
	return &IdentificationRepository{
		db:             db,
		logger:         logger.Named("identification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *IdentificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&IdentificationRecord{})
}

// SaveRecord persists an audit record.
func (r *IdentificationRepository) SaveRecord(ctx context.Context, record *IdentificationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestID loads the record for a request id.
func (r *IdentificationRepository) FindByRequestID(ctx context.Context, requestID string) (*IdentificationRecord, error) {
	var record IdentificationRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		err := r.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// AggregateMetrics summarises every stored record.
func (r *IdentificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		IdentifyCount    int64
		VocalizeCount    int64
		AverageLatencyMs *float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&IdentificationRecord{}).
			Select(
				"COUNT(*) AS total_count, "+
					"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS success_count, "+
					"COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0) AS identify_count, "+
					"COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0) AS vocalize_count, "+
					"AVG(latency_ms) AS average_latency_ms",
				StatusSucceeded, KindIdentify, KindVocalize,
			).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:    row.TotalCount,
		SuccessCount:  row.SuccessCount,
		IdentifyCount: row.IdentifyCount,
		VocalizeCount: row.VocalizeCount,
	}
	if row.AverageLatencyMs != nil {
		agg.AverageLatencyMs = *row.AverageLatencyMs
	}
	return agg, nil
}

func (r *IdentificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
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
		if errors.Is(err, ErrNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !IsTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

// IsTransientError reports timeouts and temporary network failures.
func IsTransientError(err error) bool {
	if err == nil {
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
