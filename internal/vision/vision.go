// Package vision asks a hosted vision-language model to name what an image
// shows.
package vision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/config"
	"github.com/example/equipment-voice/internal/failure"
)

// DeclaredMediaType is sent for every image regardless of its real format.
const DeclaredMediaType = "image/jpeg"

// Labeler returns the model's text answer for one image and one instruction.
type Labeler interface {
	Label(ctx context.Context, encodedImage, instruction string) (string, error)
}

// Options are the decoding controls shared by every backend.
type Options struct {
	ModelID     string
	Region      string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
}

// OptionsFromConfig copies the decoding controls out of the vision config.
func OptionsFromConfig(cfg config.VisionConfig) Options {
	return Options{
		ModelID:     cfg.ModelID,
		Region:      cfg.Region,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		Timeout:     cfg.Timeout,
	}
}

// New builds the labeler selected by cfg.Vision.Provider.
func New(cfg *config.Config, logger *zap.Logger) (Labeler, error) {
	opts := OptionsFromConfig(cfg.Vision)
	switch cfg.Vision.Provider {
	case config.ProviderBedrock:
		return NewBedrockLabeler(cfg.Credential, opts, logger), nil
	case config.ProviderOpenAI:
		return NewOpenAILabeler(cfg.Vision.OpenAIAPIKey, cfg.Vision.OpenAIBaseURL, opts, logger), nil
	default:
		return nil, fmt.Errorf("unsupported vision provider %q", cfg.Vision.Provider)
	}
}

func validateInput(encodedImage, instruction string) error {
	if strings.TrimSpace(encodedImage) == "" {
		return failure.New(failure.KindValidationFailure, "encoded image is empty")
	}
	if strings.TrimSpace(instruction) == "" {
		return failure.New(failure.KindValidationFailure, "instruction is empty")
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
