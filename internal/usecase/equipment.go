package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/imageprocessor"
	"github.com/example/equipment-voice/internal/logging"
	"github.com/example/equipment-voice/internal/repository"
	"github.com/example/equipment-voice/internal/speech"
	"github.com/example/equipment-voice/internal/vision"
)

// IdentifyInstruction is the fixed prompt sent with every uploaded image.
const IdentifyInstruction = "Name the medical equipment in this picture in one short phrase. No other text allowed."

const recordCacheTTL = 10 * time.Minute

// ErrStoreUnavailable is returned by lookups when neither a database nor a
// cache is configured.
var ErrStoreUnavailable = errors.New("identification store is not configured")

// RecordStore defines the persistence operations needed by the use case.
type RecordStore interface {
	SaveRecord(ctx context.Context, record *repository.IdentificationRecord) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.IdentificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// AudioSynthesizer narrates text into a file.
type AudioSynthesizer interface {
	Synthesize(ctx context.Context, requestID, text, outputPath string) (string, error)
}

// Upload is one image received by the identify route.
type Upload struct {
	Filename string
	Data     []byte
	Subject  string
}

// Identification is the outcome of a successful identify call.
type Identification struct {
	RequestID string
	Label     string
	Format    string
}

// Vocalization is the outcome of a successful vocalize call.
type Vocalization struct {
	RequestID string
	Path      string
	Duration  time.Duration
}

// EquipmentUseCase runs the image -> label -> speech pipeline.
type EquipmentUseCase struct {
	labeler        vision.Labeler
	synthesizer    AudioSynthesizer
	store          RecordStore
	cache          Cache
	uploadDir      string
	keepAudio      bool
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option customises an EquipmentUseCase.
type Option func(*EquipmentUseCase)

// WithRecordStore enables audit records.
func WithRecordStore(store RecordStore) Option {
	return func(uc *EquipmentUseCase) { uc.store = store }
}

// WithCache enables the record cache.
func WithCache(cache Cache) Option {
	return func(uc *EquipmentUseCase) { uc.cache = cache }
}

// WithUploadDir sets where uploads are staged. Defaults to the OS temp dir.
func WithUploadDir(dir string) Option {
	return func(uc *EquipmentUseCase) { uc.uploadDir = dir }
}

// WithKeepAudio keeps synthesized clips on disk after they are served.
func WithKeepAudio(keep bool) Option {
	return func(uc *EquipmentUseCase) { uc.keepAudio = keep }
}

// NewEquipmentUseCase constructs a new use case instance.
func NewEquipmentUseCase(labeler vision.Labeler, synthesizer AudioSynthesizer, logger *zap.Logger, opts ...Option) *EquipmentUseCase {
	uc := &EquipmentUseCase{
		labeler:        labeler,
		synthesizer:    synthesizer,
		uploadDir:      os.TempDir(),
		logger:         logger.Named("equipment_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Identify stages the upload on disk, encodes it and asks the vision model for
// a label. The staged file is removed on every path out of this method.
func (uc *EquipmentUseCase) Identify(ctx context.Context, upload Upload) (*Identification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.identify", requestID)
	start := time.Now()

	record := &repository.IdentificationRecord{
		RequestID: requestID,
		Kind:      repository.KindIdentify,
		Subject:   upload.Subject,
		Filename:  upload.Filename,
	}
	sum := sha1.Sum(upload.Data)
	record.SHA1Hash = hex.EncodeToString(sum[:])

	label, format, err := uc.identify(ctx, requestID, upload)
	record.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		wrapped := logging.NewOperationError("usecase.identify", requestID, err)
		opLogger.Warn("identification failed", zap.Error(wrapped))
		record.Status = repository.StatusFailed
		record.Error = err.Error()
		uc.recordOutcome(ctx, record)
		return nil, wrapped
	}

	record.Status = repository.StatusSucceeded
	record.Label = label
	uc.recordOutcome(ctx, record)

	opLogger.Info("equipment identified",
		zap.String("label", label),
		zap.String("format", format),
		zap.Int64("latency_ms", record.LatencyMs),
	)
	return &Identification{RequestID: requestID, Label: label, Format: format}, nil
}

func (uc *EquipmentUseCase) identify(ctx context.Context, requestID string, upload Upload) (string, string, error) {
	info, err := imageprocessor.Inspect(upload.Data)
	if err != nil {
		return "", "", err
	}
	if info.Format == imageprocessor.FormatUnknown {
		logging.WithOperation(uc.logger, "usecase.identify", requestID).
			Info("forwarding upload with unrecognised image header", zap.String("format", info.Format), zap.String("filename", upload.Filename))
	}

	tempPath := uc.stagingPath(requestID, upload.Filename)
	defer uc.removeStaged(requestID, tempPath)

	if err := os.MkdirAll(filepath.Dir(tempPath), 0o755); err != nil {
		return "", "", failure.Wrap(failure.KindIOFailure, err, "failed to prepare upload directory")
	}
	if err := os.WriteFile(tempPath, upload.Data, 0o600); err != nil {
		return "", "", failure.Wrap(failure.KindIOFailure, err, "failed to stage upload")
	}

	encoded, err := imageprocessor.Encode(tempPath)
	if err != nil {
		return "", "", err
	}

	label, err := uc.labeler.Label(ctx, encoded, IdentifyInstruction)
	if err != nil {
		return "", "", err
	}
	return label, info.Format, nil
}

// stagingPath keeps the original file name for readability and prefixes the
// request id so concurrent uploads of the same name never collide.
func (uc *EquipmentUseCase) stagingPath(requestID, filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "upload"
	}
	return filepath.Join(uc.uploadDir, fmt.Sprintf("temp_%s_%s", requestID, base))
}

func (uc *EquipmentUseCase) removeStaged(requestID, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WithOperation(uc.logger, "usecase.remove_staged", requestID).
			Error("failed to remove staged upload", zap.String("path", path), zap.Error(err))
	}
}

// Vocalize narrates text into a per-request MP3 file.
func (uc *EquipmentUseCase) Vocalize(ctx context.Context, text, subject string) (*Vocalization, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.vocalize", requestID)
	start := time.Now()

	record := &repository.IdentificationRecord{
		RequestID: requestID,
		Kind:      repository.KindVocalize,
		Subject:   subject,
		Label:     text,
	}

	path, err := uc.synthesizer.Synthesize(ctx, requestID, text, "")
	record.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		wrapped := logging.NewOperationError("usecase.vocalize", requestID, err)
		opLogger.Warn("vocalization failed", zap.Error(wrapped))
		record.Status = repository.StatusFailed
		record.Error = err.Error()
		uc.recordOutcome(ctx, record)
		return nil, wrapped
	}

	record.Status = repository.StatusSucceeded
	uc.recordOutcome(ctx, record)

	result := &Vocalization{RequestID: requestID, Path: path}
	if duration, err := speech.Probe(path); err != nil {
		opLogger.Debug("could not probe audio duration", zap.Error(err))
	} else {
		result.Duration = duration
	}
	return result, nil
}

// ReleaseAudio deletes a served clip unless clips are kept.
func (uc *EquipmentUseCase) ReleaseAudio(requestID, path string) {
	if uc.keepAudio || path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logging.WithOperation(uc.logger, "usecase.release_audio", requestID).
			Warn("failed to remove audio file", zap.String("path", path), zap.Error(err))
	}
}

// GetRecord returns the audit record for a request, from cache when possible.
func (uc *EquipmentUseCase) GetRecord(ctx context.Context, requestID string) (*repository.IdentificationRecord, error) {
	if uc.store == nil && uc.cache == nil {
		return nil, ErrStoreUnavailable
	}

	if uc.cache != nil {
		cached, err := uc.withCacheGet(ctx, requestID, "cache.get.record", recordCacheKey(requestID))
		if err == nil {
			var record repository.IdentificationRecord
			if err := json.Unmarshal([]byte(cached), &record); err == nil {
				return &record, nil
			}
			logging.WithOperation(uc.logger, "usecase.get_record", requestID).Warn("failed to decode cached record", zap.Error(err))
		} else if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.get_record", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.store == nil {
		return nil, repository.ErrNotFound
	}
	return uc.store.FindByRequestID(ctx, requestID)
}

// recordOutcome is best effort: a broken store never fails the pipeline.
func (uc *EquipmentUseCase) recordOutcome(ctx context.Context, record *repository.IdentificationRecord) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.record_outcome", record.RequestID)

	if uc.store != nil {
		if err := uc.store.SaveRecord(ctx, record); err != nil {
			opLogger.Error("failed to persist record", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(record)
		if err != nil {
			opLogger.Error("failed to serialize record", zap.Error(err))
			return
		}
		if err := uc.withCacheRetry(ctx, record.RequestID, "cache.set.record", func() error {
			return uc.cache.Set(ctx, recordCacheKey(record.RequestID), string(serialized), recordCacheTTL)
		}); err != nil {
			opLogger.Error("failed to cache record", zap.Error(err))
		}
	}
}

func (uc *EquipmentUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !repository.IsTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *EquipmentUseCase) withCacheGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withCacheRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}
