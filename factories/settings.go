package factories

import (
	"fmt"
	"os"
	"strconv"

	"github.com/bytedance/sonic"

	"waifubot/artifact"
	"waifubot/conversation"
	"waifubot/handlers/command"
	ttshandler "waifubot/handlers/tts"
	"waifubot/transports/discord"
	"waifubot/transports/keepalive"
	"waifubot/voice"
)

// BotConfig configures the command surface and the conversation memory.
type BotConfig struct {
	Prefix           string `json:"prefix"`
	SystemPrompt     string `json:"system_prompt"`
	MaxTurns         int    `json:"max_turns"`
	CommandTimeoutMs int    `json:"command_timeout_ms"`
}

func (c BotConfig) Conversation() conversation.Config {
	return conversation.Config{SystemPrompt: c.SystemPrompt, MaxTurns: c.MaxTurns}
}

func (c BotConfig) Command() command.Config {
	return command.Config{Prefix: c.Prefix, TimeoutMs: c.CommandTimeoutMs}
}

// VoiceConfig configures voice connections, speech synthesis limits and the
// ffmpeg player.
type VoiceConfig struct {
	ConnectTimeoutMs   int    `json:"connect_timeout_ms"`
	ConnectAttempts    int    `json:"connect_attempts"`
	ConnectBackoffMs   int    `json:"connect_backoff_ms"`
	SynthesisTimeoutMs int    `json:"synthesis_timeout_ms"`
	MaxSpeechLength    int    `json:"max_speech_length"`
	FFmpegPath         string `json:"ffmpeg_path"`
	OpusBitrateK       int    `json:"opus_bitrate_kbps"`
	SelfDeaf           bool   `json:"self_deaf"`
}

func (c VoiceConfig) Coordinator() voice.Config {
	return voice.Config{
		ConnectTimeoutMs: c.ConnectTimeoutMs,
		ConnectAttempts:  c.ConnectAttempts,
		ConnectBackoffMs: c.ConnectBackoffMs,
	}
}

func (c VoiceConfig) Speech() ttshandler.TTSConfig {
	return ttshandler.TTSConfig{TimeoutMs: c.SynthesisTimeoutMs, MaxTextLength: c.MaxSpeechLength}
}

func (c VoiceConfig) Discord(token string) discord.Config {
	return discord.Config{
		Token:        token,
		FFmpegPath:   c.FFmpegPath,
		OpusBitrateK: c.OpusBitrateK,
		SelfDeaf:     c.SelfDeaf,
	}
}

// LogConfig selects the minimum level and an optional directory for JSONL
// run logs.
type LogConfig struct {
	Level string `json:"level"`
	Dir   string `json:"dir,omitempty"`
}

// SettingsConfig is the top-level config loaded from settings.json.
type SettingsConfig struct {
	Bot       BotConfig        `json:"bot"`
	LLM       LLMFactoryConfig `json:"llm"`
	TTS       TTSFactoryConfig `json:"tts"`
	Voice     VoiceConfig      `json:"voice"`
	Artifacts artifact.Config  `json:"artifacts"`
	KeepAlive keepalive.Config `json:"keep_alive"`
	Log       LogConfig        `json:"log"`
}

// DefaultSettingsConfig returns a SettingsConfig pre-filled with provider defaults.
func DefaultSettingsConfig() SettingsConfig {
	conv := conversation.DefaultConfig()
	cmd := command.DefaultConfig()
	vc := voice.DefaultConfig()
	speech := ttshandler.DefaultConfig()
	dc := discord.DefaultConfig()
	return SettingsConfig{
		Bot: BotConfig{
			Prefix:           cmd.Prefix,
			SystemPrompt:     conv.SystemPrompt,
			MaxTurns:         conv.MaxTurns,
			CommandTimeoutMs: cmd.TimeoutMs,
		},
		LLM: DefaultLLMFactoryConfig(),
		TTS: DefaultTTSFactoryConfig(),
		Voice: VoiceConfig{
			ConnectTimeoutMs:   vc.ConnectTimeoutMs,
			ConnectAttempts:    vc.ConnectAttempts,
			ConnectBackoffMs:   vc.ConnectBackoffMs,
			SynthesisTimeoutMs: speech.TimeoutMs,
			MaxSpeechLength:    speech.MaxTextLength,
			FFmpegPath:         dc.FFmpegPath,
			OpusBitrateK:       dc.OpusBitrateK,
			SelfDeaf:           dc.SelfDeaf,
		},
		Artifacts: artifact.DefaultConfig(),
		KeepAlive: keepalive.DefaultConfig(),
		Log:       LogConfig{Level: "info"},
	}
}

// SettingsConfigFromJSON parses a JSON blob into a SettingsConfig. Fields
// the blob leaves out keep their defaults. A provider section that names a
// provider replaces the default provider instead of adding to it.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	var probe struct {
		LLM map[string]interface{} `json:"llm"`
		TTS map[string]interface{} `json:"tts"`
	}
	if err := sonic.Unmarshal(data, &probe); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}

	cfg := DefaultSettingsConfig()
	if namesProvider(probe.LLM, llmProviderKeys) {
		cfg.LLM = LLMFactoryConfig{}
	}
	if namesProvider(probe.TTS, ttsProviderKeys) {
		cfg.TTS.clearProviders()
	}
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return SettingsConfig{}, fmt.Errorf("settings: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return SettingsConfig{}, err
	}
	return cfg, nil
}

func namesProvider(section map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := section[k]; ok {
			return true
		}
	}
	return false
}

// SettingsConfigFromFile reads and parses a SettingsConfig from a JSON file.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	return SettingsConfigFromJSON(data)
}

// Validate checks cross-field constraints that decoding cannot.
func (c SettingsConfig) Validate() error {
	if c.Bot.Prefix == "" {
		return fmt.Errorf("settings: bot.prefix must not be empty")
	}
	if c.Bot.MaxTurns <= 0 {
		return fmt.Errorf("settings: bot.max_turns must be positive, got %d", c.Bot.MaxTurns)
	}
	if err := c.LLM.validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	if err := c.TTS.validate(); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return nil
}

// APIKeys holds provider secrets read from the environment.
type APIKeys struct {
	OpenAI     string
	OpenRouter string
	OpenAITTS  string
	ElevenLabs string
}

// InjectAPIKeys fills provider API keys the settings file left empty.
func (c *SettingsConfig) InjectAPIKeys(keys APIKeys) {
	c.LLM.injectKeys(keys)
	c.TTS.injectKeys(keys)
}

// KeepAliveAddr returns the keep-alive address, with a positive port
// overriding the configured one.
func (c SettingsConfig) KeepAliveAddr(port int) string {
	if port <= 0 {
		return c.KeepAlive.Addr
	}
	return ":" + strconv.Itoa(port)
}
