package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sashabaranov/go-openai"

	"waifubot/core"
)

// Config holds the configuration for OpenAI speech synthesis.
type Config struct {
	APIKey  string  `json:"api_key,omitempty"`
	BaseURL string  `json:"base_url,omitempty"`
	Model   string  `json:"model"`
	Voice   string  `json:"voice"`
	Speed   float64 `json:"speed,omitempty"`
}

// OpenAITTSService implements core.SpeechSynthesizer with the audio/speech
// endpoint.
type OpenAITTSService struct {
	client *openai.Client
	config Config
	logger *core.Logger

	mu            sync.RWMutex
	isInitialized bool
}

func NewOpenAITTSService(config Config, logger *core.Logger) *OpenAITTSService {
	if config.Model == "" {
		config.Model = string(openai.TTSModel1)
	}
	if config.Voice == "" {
		config.Voice = string(openai.VoiceNova)
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &OpenAITTSService{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "openai_tts", "voice": config.Voice}),
	}
}

func (s *OpenAITTSService) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.APIKey == "" {
		return fmt.Errorf("OpenAI TTS API key is required")
	}
	clientConfig := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		clientConfig.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(clientConfig)
	s.isInitialized = true
	return nil
}

func (s *OpenAITTSService) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
	s.isInitialized = false
	return nil
}

// Synthesize renders text as MP3.
func (s *OpenAITTSService) Synthesize(ctx context.Context, text string) (*core.Audio, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: errors.New("OpenAI TTS service not initialized")}
	}

	resp, err := client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.config.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.config.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          s.config.Speed,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: err}
	}
	defer resp.Close()

	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: fmt.Errorf("read speech: %w", err)}
	}
	if len(data) == 0 {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("OpenAI returned no audio")}
	}
	s.logger.Debug("Speech synthesized", "bytes", len(data))
	return &core.Audio{Data: data, Format: core.AudioFormatMP3}, nil
}
