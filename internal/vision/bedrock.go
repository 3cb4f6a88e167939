package vision

import (
	"context"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"go.uber.org/zap"

	"github.com/example/equipment-voice/internal/config"
	"github.com/example/equipment-voice/internal/failure"
	"github.com/example/equipment-voice/internal/logging"
)

type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// BedrockLabeler calls Claude through the AWS Bedrock runtime.
type BedrockLabeler struct {
	messages messageCreator
	credErr  error
	opts     Options
	logger   *zap.Logger
}

// NewBedrockLabeler signs requests with the given credential. A missing
// credential is not fatal here; every Label call reports it instead.
func NewBedrockLabeler(cred config.Credential, opts Options, logger *zap.Logger) *BedrockLabeler {
	l := &BedrockLabeler{opts: opts, logger: logger.Named("vision.bedrock")}
	if err := cred.Validate(); err != nil {
		l.credErr = err
		return l
	}

	awsCfg := aws.Config{
		Region:      opts.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken),
	}
	client := anthropic.NewClient(
		bedrock.WithConfig(awsCfg),
		option.WithMaxRetries(0),
	)
	l.messages = &client.Messages
	return l
}

// Label sends the instruction and the image as one user turn and returns the
// first text block of the reply.
func (l *BedrockLabeler) Label(ctx context.Context, encodedImage, instruction string) (string, error) {
	if l.credErr != nil {
		return "", logging.NewOperationError("vision.bedrock.label", "", l.credErr)
	}
	if err := validateInput(encodedImage, instruction); err != nil {
		return "", logging.NewOperationError("vision.bedrock.label", "", err)
	}

	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(l.opts.ModelID),
		MaxTokens:   int64(l.opts.MaxTokens),
		Temperature: anthropic.Float(l.opts.Temperature),
		TopP:        anthropic.Float(l.opts.TopP),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(instruction),
				anthropic.NewImageBlockBase64(DeclaredMediaType, encodedImage),
			),
		},
	}

	start := time.Now()
	resp, err := l.messages.New(ctx, params)
	if err != nil {
		wrapped := logging.NewOperationError("vision.bedrock.invoke", "",
			failure.Wrap(failure.KindRemoteServiceFailure, err, "failed to invoke bedrock model"))
		l.logger.Error("bedrock invocation failed", zap.Error(wrapped), zap.String("model_id", l.opts.ModelID))
		return "", wrapped
	}

	text, err := firstTextBlock(resp)
	if err != nil {
		wrapped := logging.NewOperationError("vision.bedrock.decode", "", err)
		l.logger.Error("unexpected bedrock response", zap.Error(wrapped))
		return "", wrapped
	}

	l.logger.Debug("bedrock label received",
		zap.String("model_id", l.opts.ModelID),
		zap.Duration("latency", time.Since(start)),
		zap.Int64("output_tokens", resp.Usage.OutputTokens),
	)
	return text, nil
}

func firstTextBlock(resp *anthropic.Message) (string, error) {
	if resp == nil || len(resp.Content) == 0 {
		return "", failure.New(failure.KindMalformedResponse, "vision model response contained no content")
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", failure.New(failure.KindMalformedResponse, "vision model response contained no text block")
}
