package factories

import (
	"context"
	"errors"
	"fmt"

	"waifubot/core"
	ttshandler "waifubot/handlers/tts"
	elevenlabs "waifubot/services/elevenlabs/tts"
	gtts "waifubot/services/gtranslate/tts"
	openaitts "waifubot/services/openai/tts"
)

// TTSFactoryConfig holds provider-specific configs for TTS service construction.
// Set exactly one provider config; the rest should be left nil.
type TTSFactoryConfig struct {
	GoogleTranslateConfig *gtts.Config                    `json:"google_translate,omitempty"`
	OpenAIConfig          *openaitts.Config               `json:"openai,omitempty"`
	ElevenLabsConfig      *elevenlabs.ElevenLabsTTSConfig `json:"elevenlabs,omitempty"`
}

var ttsProviderKeys = []string{"google_translate", "openai", "elevenlabs"}

// DefaultTTSFactoryConfig selects Google Translate speech in Japanese, which
// needs no API key.
func DefaultTTSFactoryConfig() TTSFactoryConfig {
	return TTSFactoryConfig{GoogleTranslateConfig: &gtts.Config{Language: "ja"}}
}

func (c *TTSFactoryConfig) clearProviders() {
	*c = TTSFactoryConfig{}
}

func (c TTSFactoryConfig) validate() error {
	n := 0
	for _, set := range []bool{c.GoogleTranslateConfig != nil, c.OpenAIConfig != nil, c.ElevenLabsConfig != nil} {
		if set {
			n++
		}
	}
	switch n {
	case 0:
		return errors.New("TTSFactoryConfig: no provider config specified")
	case 1:
		return nil
	default:
		return errors.New("TTSFactoryConfig: more than one provider config specified")
	}
}

func (c *TTSFactoryConfig) injectKeys(keys APIKeys) {
	if c.OpenAIConfig != nil && c.OpenAIConfig.APIKey == "" {
		c.OpenAIConfig.APIKey = firstNonEmpty(keys.OpenAITTS, keys.OpenAI)
	}
	if c.ElevenLabsConfig != nil && c.ElevenLabsConfig.APIKey == "" {
		c.ElevenLabsConfig.APIKey = keys.ElevenLabs
	}
}

// BuildTTSService constructs the configured synthesizer, initializes it and
// wraps it in the speech handler. Exactly one provider config must be non-nil.
func BuildTTSService(ctx context.Context, config TTSFactoryConfig, handlerConfig ttshandler.TTSConfig, logger *core.Logger) (*ttshandler.SpeechHandler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	var service core.SpeechSynthesizer
	switch {
	case config.GoogleTranslateConfig != nil:
		service = gtts.NewGoogleTranslateTTS(*config.GoogleTranslateConfig, logger)
	case config.OpenAIConfig != nil:
		s := openaitts.NewOpenAITTSService(*config.OpenAIConfig, logger)
		if err := s.Init(ctx); err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		service = s
	case config.ElevenLabsConfig != nil:
		s := elevenlabs.NewElevenLabsTTS(*config.ElevenLabsConfig, logger)
		if err := s.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("tts: %w", err)
		}
		service = s
	}
	return ttshandler.NewSpeechHandler(service, handlerConfig, logger), nil
}
