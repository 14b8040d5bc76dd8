package artifact

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds configuration for Tracker construction.
type Config struct {
	Dir             string `json:"dir"`               // Directory temp audio files are created in. Defaults to <os temp>/waifubot.
	DeleteAttempts  int    `json:"delete_attempts"`   // Deletion attempts before a file is abandoned.
	DeleteBackoffMs int    `json:"delete_backoff_ms"` // Fixed wait between deletion attempts.
}

// DefaultConfig returns the tracker defaults: 3 deletion attempts 2s apart.
func DefaultConfig() Config {
	return Config{
		Dir:             filepath.Join(os.TempDir(), "waifubot"),
		DeleteAttempts:  3,
		DeleteBackoffMs: 2000,
	}
}

func (c Config) deleteBackoff() time.Duration {
	return time.Duration(c.DeleteBackoffMs) * time.Millisecond
}
