package discord

// Config holds configuration for the Discord transport.
type Config struct {
	Token          string `json:"-"`
	FFmpegPath     string `json:"ffmpeg_path"`
	OpusBitrateK   int    `json:"opus_bitrate_kbps"`
	SelfDeaf       bool   `json:"self_deaf"`
	MaxReplyLength int    `json:"max_reply_length"` // Discord rejects messages over 2000 characters.
}

func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		OpusBitrateK:   96,
		SelfDeaf:       true,
		MaxReplyLength: 2000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.OpusBitrateK <= 0 {
		c.OpusBitrateK = d.OpusBitrateK
	}
	if c.MaxReplyLength <= 0 || c.MaxReplyLength > d.MaxReplyLength {
		c.MaxReplyLength = d.MaxReplyLength
	}
	return c
}
