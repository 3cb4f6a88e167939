// Package speech turns short phrases into MP3 narration.
package speech

import (
	"context"
	"time"

	"github.com/wujunwei928/edge-tts-go/edge_tts"
	"go.uber.org/zap"
)

// Engine produces MP3 bytes for a piece of text.
type Engine interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// EdgeEngine uses the Microsoft Edge read-aloud service. Speech rate is left
// at the service default (normal speed).
type EdgeEngine struct {
	Voice  string
	logger *zap.Logger
	stream func(text string) ([]byte, error)
}

// NewEdgeEngine returns an engine speaking with the given voice.
func NewEdgeEngine(voice string, logger *zap.Logger) *EdgeEngine {
	e := &EdgeEngine{Voice: voice, logger: logger.Named("speech.edge")}
	e.stream = e.edgeStream
	return e
}

func (e *EdgeEngine) edgeStream(text string) ([]byte, error) {
	conn, err := edge_tts.NewCommunicate(text, edge_tts.SetVoice(e.Voice))
	if err != nil {
		return nil, err
	}
	return conn.Stream()
}

type streamResult struct {
	data []byte
	err  error
}

// Synthesize streams the whole clip into memory. The underlying client has no
// context support, so cancellation abandons the stream rather than aborting
// it; the stream goroutine runs until Edge closes the websocket.
func (e *EdgeEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	done := make(chan streamResult, 1)
	go func() {
		data, err := e.stream(text)
		if ctx.Err() != nil {
			e.logger.Debug("abandoned edge stream finished",
				zap.Duration("elapsed", time.Since(start)),
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
		}
		done <- streamResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		e.logger.Debug("edge stream abandoned",
			zap.String("voice", e.Voice),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(ctx.Err()),
		)
		return nil, ctx.Err()
	case res := <-done:
		return res.data, res.err
	}
}
