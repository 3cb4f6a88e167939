package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/logging"
)

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAILabeler talks to any OpenAI-compatible chat completion endpoint that
// accepts image parts.
type OpenAILabeler struct {
	client  chatCompleter
	credErr error
	opts    Options
	logger  *zap.Logger
}

// NewOpenAILabeler builds a labeler for the given key and optional base URL.
func NewOpenAILabeler(apiKey, baseURL string, opts Options, logger *zap.Logger) *OpenAILabeler {
	l := &OpenAILabeler{opts: opts, logger: logger.Named("vision.openai")}
	if strings.TrimSpace(apiKey) == "" {
		l.credErr = failure.New(failure.KindCredentialMissing, "OPENAI_API_KEY must be set")
		return l
	}
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	l.client = openai.NewClientWithConfig(clientConfig)
	return l
}

// Label mirrors BedrockLabeler.Label over the chat completion API.
func (l *OpenAILabeler) Label(ctx context.Context, encodedImage, instruction string) (string, error) {
	if l.credErr != nil {
		return "", logging.NewOperationError("vision.openai.label", "", l.credErr)
	}
	if err := validateInput(encodedImage, instruction); err != nil {
		return "", logging.NewOperationError("vision.openai.label", "", err)
	}

	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	// go-openai omits zero temperature and top_p from the request, so the
	// provider applies its own defaults. A fixed seed is the only lever left;
	// this backend is reproducible only as far as the provider honours it.
	seed := 0
	req := openai.ChatCompletionRequest{
		Model:       l.opts.ModelID,
		MaxTokens:   l.opts.MaxTokens,
		Temperature: float32(l.opts.Temperature),
		TopP:        float32(l.opts.TopP),
		Seed:        &seed,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: instruction},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL: fmt.Sprintf("data:%s;base64,%s", DeclaredMediaType, encodedImage),
						},
					},
				},
			},
		},
	}

	resp, err := l.client.CreateChatCompletion(ctx, req)
	if err != nil {
		wrapped := logging.NewOperationError("vision.openai.invoke", "",
			failure.Wrap(failure.KindRemoteServiceFailure, err, "failed to invoke vision model"))
		l.logger.Error("chat completion failed", zap.Error(wrapped), zap.String("model_id", l.opts.ModelID))
		return "", wrapped
	}
	if len(resp.Choices) == 0 {
		return "", logging.NewOperationError("vision.openai.decode", "",
			failure.New(failure.KindMalformedResponse, "vision model response contained no choices"))
	}
	return resp.Choices[0].Message.Content, nil
}
