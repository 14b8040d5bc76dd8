// Package tts synthesizes speech with the Google Translate text-to-speech
// endpoint, the same backend gTTS uses. Requests are limited to 100
// characters, so longer text is split and the MP3 responses concatenated.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"waifubot/core"
)

const maxChunkRunes = 100

// Config holds the configuration for Google Translate TTS.
type Config struct {
	BaseURL   string `json:"base_url"`
	Language  string `json:"language"`
	TimeoutMs int    `json:"timeout_ms,omitempty"`
}

type GoogleTranslateTTS struct {
	config Config
	client *http.Client
	logger *core.Logger
}

func NewGoogleTranslateTTS(config Config, logger *core.Logger) *GoogleTranslateTTS {
	if config.BaseURL == "" {
		config.BaseURL = "https://translate.google.com/translate_tts"
	}
	if config.Language == "" {
		config.Language = "ja"
	}
	timeout := 15 * time.Second
	if config.TimeoutMs > 0 {
		timeout = time.Duration(config.TimeoutMs) * time.Millisecond
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &GoogleTranslateTTS{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(map[string]interface{}{"service": "gtranslate_tts", "lang": config.Language}),
	}
}

// Synthesize fetches every chunk of text in order and returns the joined MP3.
func (g *GoogleTranslateTTS) Synthesize(ctx context.Context, text string) (*core.Audio, error) {
	chunks := splitText(text, maxChunkRunes)
	if len(chunks) == 0 {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("nothing to speak")}
	}

	var buf bytes.Buffer
	for i, chunk := range chunks {
		data, err := g.fetch(ctx, chunk, i, len(chunks))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &core.SynthesisError{Kind: core.SynthesisEngineUnavailable, Err: err}
		}
		buf.Write(data)
	}
	if buf.Len() == 0 {
		return nil, &core.SynthesisError{Kind: core.SynthesisEmptyOutput, Err: errors.New("Google Translate returned no audio")}
	}
	g.logger.Debug("Speech synthesized", "chunks", len(chunks), "bytes", buf.Len())
	return &core.Audio{Data: buf.Bytes(), Format: core.AudioFormatMP3}, nil
}

func (g *GoogleTranslateTTS) fetch(ctx context.Context, chunk string, idx, total int) ([]byte, error) {
	q := url.Values{}
	q.Set("ie", "UTF-8")
	q.Set("client", "tw-ob")
	q.Set("tl", g.config.Language)
	q.Set("q", chunk)
	q.Set("idx", strconv.Itoa(idx))
	q.Set("total", strconv.Itoa(total))
	q.Set("textlen", strconv.Itoa(utf8.RuneCountInString(chunk)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("gtranslate: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gtranslate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gtranslate: unexpected status %d for chunk %d/%d", resp.StatusCode, idx+1, total)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gtranslate: read response: %w", err)
	}
	return data, nil
}

// splitText breaks text into pieces of at most limit runes, cutting after
// the last punctuation mark or space inside the window when there is one.
func splitText(text string, limit int) []string {
	runes := []rune(strings.TrimSpace(text))
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= limit {
			chunks = appendChunk(chunks, string(runes))
			break
		}
		cut := limit
		for i := limit; i > 0; i-- {
			if isBreak(runes[i-1]) {
				cut = i
				break
			}
		}
		chunks = appendChunk(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	return chunks
}

func appendChunk(chunks []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return chunks
	}
	return append(chunks, s)
}

func isBreak(r rune) bool {
	switch r {
	case '。', '、', '！', '？', '，', '．':
		return true
	}
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}
