package voice

import (
	"context"
	"errors"
)

// ErrPlaybackStopped is passed to a playback completion callback when the
// playback was stopped before reaching the end of the audio.
var ErrPlaybackStopped = errors.New("playback stopped")

// Platform joins voice channels on the chat platform.
type Platform interface {
	Connect(ctx context.Context, guildID, channelID string) (Connection, error)
}

// Connection is one live voice connection in a guild.
type Connection interface {
	// ChannelID is the channel the connection currently sits in.
	ChannelID() string
	// Connected reports whether the platform still considers the connection usable.
	Connected() bool
	// Move switches to another channel of the same guild.
	Move(ctx context.Context, channelID string) error
	// Play starts playing the audio file at path. onComplete is called exactly
	// once from the platform's own goroutine when playback ends, with nil on
	// a natural end, ErrPlaybackStopped after Stop, or the playback error.
	Play(path string, onComplete func(error)) (Playback, error)
	// Disconnect leaves the voice channel.
	Disconnect(ctx context.Context) error
	// Close drops local resources of a connection the platform already lost,
	// without asking the platform to leave.
	Close()
}

// Playback is an in-flight playback.
type Playback interface {
	Stop()
}

// Artifact is the audio resource a playback reads from.
type Artifact interface {
	ID() uint64
	Path() string
}
