package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"waifubot/core"
	"waifubot/voice"
)

// VoicePlatform implements voice.Platform on a discordgo session.
type VoicePlatform struct {
	session  *discordgo.Session
	player   *Player
	selfDeaf bool
	logger   *core.Logger
}

func NewVoicePlatform(session *discordgo.Session, config Config, logger *core.Logger) *VoicePlatform {
	config = config.withDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}
	return &VoicePlatform{
		session:  session,
		player:   NewPlayer(config, logger),
		selfDeaf: config.SelfDeaf,
		logger:   logger.With(map[string]interface{}{"component": "discord_voice"}),
	}
}

type joinResult struct {
	vc  *discordgo.VoiceConnection
	err error
}

// Connect joins channelID. discordgo's join blocks on its own internal
// timeout, so ctx only bounds how long we wait for it.
func (p *VoicePlatform) Connect(ctx context.Context, guildID, channelID string) (voice.Connection, error) {
	results := make(chan joinResult, 1)
	go func() {
		vc, err := p.session.ChannelVoiceJoin(guildID, channelID, false, p.selfDeaf)
		results <- joinResult{vc: vc, err: err}
	}()

	select {
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("join voice channel %s: %w", channelID, r.err)
		}
		return &connection{vc: r.vc, player: p.player, selfDeaf: p.selfDeaf}, nil
	case <-ctx.Done():
		go func() {
			// A late join stays in the session's connection map and is
			// picked up by the next ChannelVoiceJoin for the guild.
			if r := <-results; r.err == nil {
				p.logger.Debug("Voice join completed after its deadline", "guild_id", guildID, "channel_id", channelID)
			}
		}()
		return nil, ctx.Err()
	}
}

// connection adapts *discordgo.VoiceConnection to voice.Connection.
type connection struct {
	vc       *discordgo.VoiceConnection
	player   *Player
	selfDeaf bool
}

func (c *connection) ChannelID() string {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.ChannelID
}

func (c *connection) Connected() bool {
	c.vc.RLock()
	defer c.vc.RUnlock()
	return c.vc.Ready
}

func (c *connection) Move(ctx context.Context, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.vc.ChangeChannel(channelID, false, c.selfDeaf); err != nil {
		return fmt.Errorf("move to voice channel %s: %w", channelID, err)
	}
	return nil
}

func (c *connection) Play(path string, onComplete func(error)) (voice.Playback, error) {
	return c.player.Start(c, path, onComplete)
}

func (c *connection) Disconnect(ctx context.Context) error {
	if err := c.vc.Disconnect(); err != nil {
		return fmt.Errorf("leave voice channel: %w", err)
	}
	return nil
}

func (c *connection) Close() { c.vc.Close() }

func (c *connection) Speaking(on bool) error { return c.vc.Speaking(on) }

func (c *connection) frames() chan<- []byte { return c.vc.OpusSend }
