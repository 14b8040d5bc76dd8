package tts

import "time"

type TTSConfig struct {
	TimeoutMs     int `json:"timeout_ms"`      // Upper bound for one synthesis call, surfaced as a synthesis timeout.
	MaxTextLength int `json:"max_text_length"` // Longer replies are cut at a word boundary before synthesis. Zero disables the cut.
}

// DefaultConfig returns a TTSConfig with sensible defaults.
func DefaultConfig() TTSConfig {
	return TTSConfig{
		TimeoutMs:     30000,
		MaxTextLength: 1000,
	}
}

func (c TTSConfig) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return time.Duration(DefaultConfig().TimeoutMs) * time.Millisecond
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
