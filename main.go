package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"waifubot/artifact"
	"waifubot/conversation"
	"waifubot/core"
	"waifubot/factories"
	"waifubot/handlers/command"
	"waifubot/transports/discord"
	"waifubot/transports/keepalive"
	"waifubot/voice"
)

func main() {
	var settingsPath, logLevel string
	flag.StringVar(&settingsPath, "settings", "", "path to settings.json (overrides SETTINGS_PATH)")
	flag.StringVar(&logLevel, "log-level", "", "minimum log level (overrides settings log.level)")
	flag.Parse()

	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil {
			core.GetLogger().Debug("No env file loaded", "file", file, "error", err)
		}
	}

	if settingsPath != "" {
		os.Setenv("SETTINGS_PATH", settingsPath)
	}
	settings := loadSettingsFromEnv()
	if logLevel != "" {
		settings.Log.Level = logLevel
	}

	runID := uuid.NewString()
	logger, closeLog := buildLogger(settings.Log, runID)
	defer closeLog()
	core.SetLogger(logger)

	token := getEnv("DISCORD_TOKEN", "")
	if token == "" {
		logger.Error("DISCORD_TOKEN is not set. Add it to your environment or .env file.")
		closeLog()
		os.Exit(1)
	}

	settings.InjectAPIKeys(factories.APIKeys{
		OpenAI:     getEnv("OPENAI_API_KEY", ""),
		OpenRouter: getEnv("OPENROUTER_API_KEY", ""),
		OpenAITTS:  getEnv("TTS_OPENAI_API_KEY", ""),
		ElevenLabs: getEnv("ELEVENLABS_API_KEY", ""),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting waifubot", "run_id", runID)
	if err := run(ctx, settings, token, logger); err != nil {
		logger.WithError(err).Error("Bot stopped with an error")
		closeLog()
		os.Exit(1)
	}
	logger.Info("Shut down cleanly")
}

// run wires the bot and blocks until ctx is done or a component fails.
func run(ctx context.Context, settings factories.SettingsConfig, token string, logger *core.Logger) error {
	llm, err := factories.BuildLLMService(ctx, settings.LLM, logger)
	if err != nil {
		return err
	}
	defer llm.Cleanup()

	speech, err := factories.BuildTTSService(ctx, settings.TTS, settings.Voice.Speech(), logger)
	if err != nil {
		return err
	}

	artifacts, err := artifact.NewTracker(settings.Artifacts, logger)
	if err != nil {
		return err
	}
	defer artifacts.Close()

	discordConfig := settings.Voice.Discord(token)
	bot, err := discord.NewBot(discordConfig, logger)
	if err != nil {
		return err
	}
	platform := discord.NewVoicePlatform(bot.Session(), discordConfig, logger)
	coordinator := voice.NewCoordinator(platform, settings.Voice.Coordinator(), logger)

	store := conversation.NewStore(settings.Bot.Conversation())
	dispatcher := command.NewDispatcher(store, llm, speech, coordinator, artifacts, settings.Bot.Command(), logger)
	bot.Bind(dispatcher, coordinator)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := bot.Run(gctx); err != nil {
			return fmt.Errorf("discord: %w (check that DISCORD_TOKEN is valid)", err)
		}
		return nil
	})
	if settings.KeepAlive.Enabled {
		server := keepalive.NewServer(keepalive.Config{
			Enabled: true,
			Addr:    settings.KeepAliveAddr(getEnvAsInt("PORT", 0)),
		}, logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if live := artifacts.Live(); live > 0 {
		logger.Warn("Audio files still tracked at shutdown", "live", live)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildLogger creates the console logger and, when a log directory is
// configured, tees it into a JSONL run log.
func buildLogger(config factories.LogConfig, runID string) (*core.Logger, func()) {
	logger := core.NewConsoleLogger(core.ParseLevel(config.Level))
	if config.Dir == "" {
		return logger, func() {}
	}
	writer, err := core.NewFileLogWriter(config.Dir, runID)
	if err != nil {
		logger.WithError(err).Warn("Run log disabled")
		return logger, func() {}
	}
	var closed bool
	return core.NewTeeLogger(logger, writer), func() {
		if closed {
			return
		}
		closed = true
		if err := writer.Close(); err != nil {
			logger.WithError(err).Warn("Closing run log failed")
		}
	}
}

// loadSettingsFromEnv loads SettingsConfig from SETTINGS_JSON_B64 or the file
// at SETTINGS_PATH. Any failure falls back to defaults with a warning.
func loadSettingsFromEnv() factories.SettingsConfig {
	if b64 := os.Getenv("SETTINGS_JSON_B64"); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			core.GetLogger().WithError(err).Error("failed to decode SETTINGS_JSON_B64")
			return factories.DefaultSettingsConfig()
		}
		settings, err := factories.SettingsConfigFromJSON(data)
		if err != nil {
			core.GetLogger().WithError(err).Error("failed to parse SETTINGS_JSON_B64")
			return factories.DefaultSettingsConfig()
		}
		core.GetLogger().Info("loaded settings from SETTINGS_JSON_B64")
		return settings
	}

	settingsPath := getEnv("SETTINGS_PATH", "./settings.json")
	settings, err := factories.SettingsConfigFromFile(settingsPath)
	if err != nil {
		core.GetLogger().With(map[string]interface{}{"path": settingsPath, "error": err}).Warn("failed to load settings, using defaults")
		return factories.DefaultSettingsConfig()
	}
	return settings
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}
