package speech

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/logging"
)

// Synthesizer writes engine output to disk.
type Synthesizer struct {
	engine   Engine
	audioDir string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewSynthesizer writes clips under audioDir unless a caller names a path.
func NewSynthesizer(engine Engine, audioDir string, timeout time.Duration, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{
		engine:   engine,
		audioDir: audioDir,
		timeout:  timeout,
		logger:   logger.Named("speech"),
	}
}

// PathFor returns the clip path used for a request when no path is given.
func (s *Synthesizer) PathFor(requestID string) string {
	return filepath.Join(s.audioDir, requestID+".mp3")
}

// Synthesize narrates text into outputPath and returns the path written. The
// parent directory of outputPath is created first, whatever the path is.
func (s *Synthesizer) Synthesize(ctx context.Context, requestID, text, outputPath string) (string, error) {
	opLogger := logging.WithOperation(s.logger, "speech.synthesize", requestID)
	if strings.TrimSpace(text) == "" {
		return "", logging.NewOperationError("speech.synthesize", requestID,
			failure.New(failure.KindValidationFailure, "text to vocalize is empty"))
	}
	if outputPath == "" {
		outputPath = s.PathFor(requestID)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", logging.NewOperationError("speech.prepare_dir", requestID,
			failure.Wrap(failure.KindIOFailure, err, "failed to create audio directory"))
	}

	callCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	audio, err := s.engine.Synthesize(callCtx, text)
	if err != nil {
		wrapped := logging.NewOperationError("speech.engine", requestID,
			failure.Wrap(failure.KindRemoteServiceFailure, err, "text-to-speech failed"))
		opLogger.Error("speech engine failed", zap.Error(wrapped))
		return "", wrapped
	}
	if len(audio) == 0 {
		return "", logging.NewOperationError("speech.engine", requestID,
			failure.New(failure.KindRemoteServiceFailure, "text-to-speech returned no audio"))
	}

	if err := os.WriteFile(outputPath, audio, 0o644); err != nil {
		return "", logging.NewOperationError("speech.write", requestID,
			failure.Wrap(failure.KindIOFailure, err, fmt.Sprintf("failed to write audio file %s", outputPath)))
	}

	opLogger.Info("audio synthesized",
		zap.String("path", outputPath),
		zap.Int("bytes", len(audio)),
		zap.Duration("latency", time.Since(start)),
	)
	return outputPath, nil
}
