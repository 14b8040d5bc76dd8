package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"waifubot/core"
)

// ElevenLabsTTSConfig holds configuration for the ElevenLabs TTS service
type ElevenLabsTTSConfig struct {
	APIKey       string `json:"api_key,omitempty"`
	BaseURL      string `json:"base_url"`
	VoiceID      string `json:"voice_id"`
	ModelID      string `json:"model_id"`
	OutputFormat string `json:"output_format"`

	// Voice settings
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// ElevenLabsTTS implements core.SpeechSynthesizer on top of the ElevenLabs
// WebSocket stream-input API. Each utterance uses its own connection.
type ElevenLabsTTS struct {
	config ElevenLabsTTSConfig
	logger *core.Logger
	dialer *websocket.Dialer

	mu            sync.RWMutex
	isInitialized bool
}

// Client messages
type (
	// BOS (Beginning of Stream) - sent once on connect
	elBOSMessage struct {
		Text             string          `json:"text"`
		VoiceSettings    elVoiceSettings `json:"voice_settings"`
		GenerationConfig elGenConfig     `json:"generation_config"`
	}

	elVoiceSettings struct {
		Stability       float64 `json:"stability"`
		SimilarityBoost float64 `json:"similarity_boost"`
	}

	elGenConfig struct {
		ChunkLengthSchedule []int `json:"chunk_length_schedule"`
	}

	// Text chunk message. An empty text is the EOS marker.
	elTextMessage struct {
		Text                 string `json:"text"`
		TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	}
)

// Server messages
type (
	elAudioMessage struct {
		Audio   *string `json:"audio"`
		IsFinal bool    `json:"isFinal"`
		Error   *string `json:"error,omitempty"`
		Message string  `json:"message,omitempty"`
		Code    int     `json:"code,omitempty"`
	}
)

// NewElevenLabsTTS creates a new ElevenLabs TTS service with the provided config
func NewElevenLabsTTS(config ElevenLabsTTSConfig, logger *core.Logger) *ElevenLabsTTS {
	if config.BaseURL == "" {
		config.BaseURL = "wss://api.elevenlabs.io/v1/text-to-speech"
	}
	if config.VoiceID == "" {
		config.VoiceID = "21m00Tcm4TlvDq8ikWAM" // Default: Rachel
	}
	if config.ModelID == "" {
		config.ModelID = "eleven_multilingual_v2"
	}
	if config.OutputFormat == "" {
		config.OutputFormat = "mp3_44100_128"
	}
	if config.Stability == 0 {
		config.Stability = 0.5
	}
	if config.SimilarityBoost == 0 {
		config.SimilarityBoost = 0.75
	}

	if logger == nil {
		logger = core.GetLogger()
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	return &ElevenLabsTTS{
		config: config,
		logger: logger.With(map[string]interface{}{"service": "elevenlabs_tts"}),
		dialer: &dialer,
	}
}

// Initialize validates the configuration.
func (e *ElevenLabsTTS) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.APIKey == "" {
		return errors.New("ElevenLabs API key is required")
	}
	e.isInitialized = true
	return nil
}

// Cleanup marks the service unusable.
func (e *ElevenLabsTTS) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.isInitialized = false
	e.logger.Info("ElevenLabs TTS service cleaned up")
	return nil
}

// Synthesize streams text to ElevenLabs and collects the audio until the
// server reports the final chunk.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (*core.Audio, error) {
	e.mu.RLock()
	initialized := e.isInitialized
	e.mu.RUnlock()
	if !initialized {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: errors.New("service not initialized")}
	}

	conn, err := e.establishConnection(ctx)
	if err != nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: err}
	}
	defer closeConnection(conn)

	// Unblock reads when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := e.sendBOS(conn); err != nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: fmt.Errorf("failed to send BOS: %w", err)}
	}
	if err := e.sendJSON(conn, elTextMessage{Text: text + " ", TryTriggerGeneration: true}); err != nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: fmt.Errorf("failed to send text: %w", err)}
	}
	if err := e.sendJSON(conn, elTextMessage{Text: ""}); err != nil {
		return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: fmt.Errorf("failed to send EOS: %w", err)}
	}

	data, err := e.readAudio(conn)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("ElevenLabs returned no audio")}
	}
	return &core.Audio{Data: data, Format: e.audioFormat()}, nil
}

func (e *ElevenLabsTTS) audioFormat() core.AudioFormat {
	if len(e.config.OutputFormat) >= 3 && e.config.OutputFormat[:3] == "pcm" {
		return core.AudioFormatWAV
	}
	return core.AudioFormatMP3
}

// readAudio collects decoded audio frames until isFinal or the server closes
// the stream.
func (e *ElevenLabsTTS) readAudio(conn *websocket.Conn) ([]byte, error) {
	var buf bytes.Buffer
	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && buf.Len() > 0 {
				return buf.Bytes(), nil
			}
			return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: fmt.Errorf("read: %w", err)}
		}
		if messageType != websocket.TextMessage {
			buf.Write(message)
			continue
		}

		var msg elAudioMessage
		if err := sonic.Unmarshal(message, &msg); err != nil {
			e.logger.Infof("ElevenLabs TTS: failed to parse message: %v", err)
			continue
		}
		if msg.Error != nil && *msg.Error != "" {
			return nil, &core.SynthesisError{
				Kind: core.SynthesisEngineUnavailable,
				Err:  fmt.Errorf("ElevenLabs error: %s: %s (code: %d)", *msg.Error, msg.Message, msg.Code),
			}
		}
		if msg.Audio != nil && *msg.Audio != "" {
			audioData, err := base64.StdEncoding.DecodeString(*msg.Audio)
			if err != nil {
				return nil, &core.SynthesisError{Kind: core.SynthesisConversionFailure, Err: fmt.Errorf("decode audio: %w", err)}
			}
			buf.Write(audioData)
		}
		if msg.IsFinal {
			e.logger.Debug("ElevenLabs TTS: received isFinal, generation complete", "bytes", buf.Len())
			return buf.Bytes(), nil
		}
	}
}

// establishConnection creates a new WebSocket connection with retry logic
func (e *ElevenLabsTTS) establishConnection(ctx context.Context) (*websocket.Conn, error) {
	const maxRetries = 3
	const baseDelay = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(attempt)
			e.logger.Infof("ElevenLabs TTS: retrying connection (attempt %d/%d) in %v after error: %v",
				attempt+1, maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, err := e.dialConnection(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// dialConnection performs a single WebSocket dial to ElevenLabs
func (e *ElevenLabsTTS) dialConnection(ctx context.Context) (*websocket.Conn, error) {
	endpoint := fmt.Sprintf("%s/%s/stream-input?model_id=%s&output_format=%s",
		e.config.BaseURL,
		url.PathEscape(e.config.VoiceID),
		url.QueryEscape(e.config.ModelID),
		url.QueryEscape(e.config.OutputFormat),
	)

	headers := map[string][]string{
		"xi-api-key": {e.config.APIKey},
	}

	conn, _, err := e.dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn, nil
}

// sendBOS sends the Beginning of Stream message
func (e *ElevenLabsTTS) sendBOS(conn *websocket.Conn) error {
	bos := elBOSMessage{
		Text: " ",
		VoiceSettings: elVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.SimilarityBoost,
		},
		GenerationConfig: elGenConfig{
			ChunkLengthSchedule: []int{120, 160, 250, 290},
		},
	}
	return e.sendJSON(conn, bos)
}

// sendJSON marshals and sends a JSON message over WebSocket
func (e *ElevenLabsTTS) sendJSON(conn *websocket.Conn, msg interface{}) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	e.logger.Trace("ElevenLabs TTS: sending message", "bytes", len(data))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeConnection(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
