package vision

import (
	"testing"

	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/config"
)

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default()
	labeler, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := labeler.(*BedrockLabeler); !ok {
		t.Fatalf("expected bedrock labeler, got %T", labeler)
	}

	cfg.Vision.Provider = config.ProviderOpenAI
	labeler, err = New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := labeler.(*OpenAILabeler); !ok {
		t.Fatalf("expected openai labeler, got %T", labeler)
	}

	cfg.Vision.Provider = "other"
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
