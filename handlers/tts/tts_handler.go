package tts

import (
	"context"
	"errors"
	"time"

	"waifubot/core"
)

// SpeechHandler prepares reply text for speech and bounds how long the
// underlying synthesizer may take. It is itself a core.SpeechSynthesizer.
type SpeechHandler struct {
	Service core.SpeechSynthesizer
	config  TTSConfig
	logger  *core.Logger
}

func NewSpeechHandler(service core.SpeechSynthesizer, config TTSConfig, logger *core.Logger) *SpeechHandler {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &SpeechHandler{
		Service: service,
		config:  config,
		logger:  logger.With(map[string]interface{}{"handler": "tts"}),
	}
}

// Synthesize normalizes text and runs the service under the configured
// timeout. Every failure is a *core.SynthesisError, except cancellation of
// ctx itself which is returned as is.
func (h *SpeechHandler) Synthesize(ctx context.Context, text string) (*core.Audio, error) {
	spoken := truncateText(normalizeTextForTTS(text), h.config.MaxTextLength)
	if spoken == "" {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("no speakable text after normalization")}
	}

	timeout := h.config.timeout()
	synthCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	audio, err := h.Service.Synthesize(synthCtx, spoken)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(synthCtx.Err(), context.DeadlineExceeded) {
			h.logger.Warn("Synthesis timed out", "timeout", timeout.String())
			return nil, &core.SynthesisError{Kind: core.SynthesisTimeout, Err: err}
		}
		var synthErr *core.SynthesisError
		if errors.As(err, &synthErr) {
			return nil, err
		}
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: err}
	}
	if audio == nil || len(audio.Data) == 0 {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("synthesizer returned no audio")}
	}
	if audio.Format == "" {
		audio.Format = core.AudioFormatMP3
	}

	h.logger.Debug("Synthesis finished", "chars", len(spoken), "bytes", len(audio.Data), "duration_ms", elapsed.Milliseconds())
	return audio, nil
}
