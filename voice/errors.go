package voice

import (
	"errors"
	"fmt"

	"waifubot/core"
)

// ErrNotConnected is returned by Play when the guild has no usable session,
// typically because it was disconnected between connect and play.
var ErrNotConnected = errors.New("voice session not connected")

// ConnectError is returned once all connection attempts are exhausted.
type ConnectError struct {
	GuildID   string
	ChannelID string
	Attempts  int
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to voice channel %s in guild %s failed after %d attempts: %v",
		e.ChannelID, e.GuildID, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func (e *ConnectError) Category() core.ErrorCategory { return core.CategoryVoiceConnection }

// PlaybackError wraps a platform failure to start or finish playback.
type PlaybackError struct {
	GuildID    string
	ArtifactID uint64
	Err        error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback of artifact %d in guild %s: %v", e.ArtifactID, e.GuildID, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

func (e *PlaybackError) Category() core.ErrorCategory { return core.CategoryVoiceConnection }
