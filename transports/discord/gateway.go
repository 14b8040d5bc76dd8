// Package discord connects the bot to Discord: the gateway session that
// receives prefix commands, and the voice platform the coordinator drives.
package discord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"waifubot/core"
	"waifubot/handlers/command"
)

// Intents lists the gateway intents the bot needs. Message content is a
// privileged intent and has to be enabled in the developer portal.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent

// drainTimeout bounds how long Run waits for in-flight commands on shutdown.
const drainTimeout = 10 * time.Second

var ErrNotBound = errors.New("discord: bot has no dispatcher")

// Dispatcher runs a parsed command.
type Dispatcher interface {
	Prefix() string
	Dispatch(ctx context.Context, inv command.Invocation, replier command.Replier)
}

// VoiceEvents receives the bot's own voice state changes.
type VoiceEvents interface {
	HandleExternalDisconnect(guildID string)
	Close(ctx context.Context)
}

// Bot owns the gateway session.
type Bot struct {
	session *discordgo.Session
	config  Config
	logger  *core.Logger

	dispatcher Dispatcher
	voice      VoiceEvents

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBot(config Config, logger *core.Logger) (*Bot, error) {
	if config.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	config = config.withDefaults()
	if logger == nil {
		logger = core.GetLogger()
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = Intents

	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		session: session,
		config:  config,
		logger:  logger.With(map[string]interface{}{"component": "discord"}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Session returns the underlying discordgo session, used to build the voice
// platform before the bot is bound.
func (b *Bot) Session() *discordgo.Session { return b.session }

// Bind sets the collaborators. It must be called before Run. voice may be nil.
func (b *Bot) Bind(dispatcher Dispatcher, voice VoiceEvents) {
	b.dispatcher = dispatcher
	b.voice = voice
}

// Run opens the gateway and blocks until ctx is done. On return every
// in-flight command has finished or been abandoned, voice sessions are closed
// and the gateway is disconnected.
func (b *Bot) Run(ctx context.Context) error {
	if b.dispatcher == nil {
		return ErrNotBound
	}

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onMessageCreate)
	b.session.AddHandler(b.onVoiceStateUpdate)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}

	<-ctx.Done()
	b.logger.Info("Shutting down Discord gateway")
	b.cancel()

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		b.logger.Warn("Commands still running at shutdown", "timeout", drainTimeout)
	}

	if b.voice != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		b.voice.Close(closeCtx)
		cancel()
	}
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord gateway: %w", err)
	}
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.Info("Logged in to Discord",
		"user", r.User.Username+"#"+r.User.Discriminator,
		"guilds", len(r.Guilds),
		"prefix", b.dispatcher.Prefix())
	b.logger.Info("Make sure these intents are enabled in the developer portal:")
	b.logger.Info(" - MESSAGE CONTENT INTENT")
	b.logger.Info(" - SERVER MEMBERS INTENT")
	b.logger.Info(" - PRESENCE INTENT")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if b.ctx.Err() != nil {
		return
	}
	inv, ok := b.invocation(s.State, m)
	if !ok {
		return
	}

	channelID := m.ChannelID
	limit := b.config.MaxReplyLength
	replier := command.ReplierFunc(func(ctx context.Context, text string) error {
		_, err := s.ChannelMessageSend(channelID, truncateReply(text, limit), discordgo.WithContext(ctx))
		return err
	})

	b.wg.Add(1)
	defer b.wg.Done()
	b.dispatcher.Dispatch(b.ctx, inv, replier)
}

// invocation turns a message into a command invocation. Messages from bots
// and messages without the prefix are ignored.
func (b *Bot) invocation(state *discordgo.State, m *discordgo.MessageCreate) (command.Invocation, bool) {
	if m.Author == nil || m.Author.Bot {
		return command.Invocation{}, false
	}
	name, args, ok := ParseCommand(m.Content, b.dispatcher.Prefix())
	if !ok {
		return command.Invocation{}, false
	}

	inv := command.Invocation{
		GuildID:   m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Name:      name,
		Args:      args,
	}
	if m.GuildID != "" && state != nil {
		if vs, err := state.VoiceState(m.GuildID, m.Author.ID); err == nil && vs != nil {
			inv.VoiceChannelID = vs.ChannelID
		}
	}
	return inv, true
}

// onVoiceStateUpdate forwards the bot's own departures from voice. The
// coordinator tells apart the ones it caused.
func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if b.voice == nil || vs.VoiceState == nil || s.State == nil || s.State.User == nil {
		return
	}
	if vs.UserID != s.State.User.ID || vs.ChannelID != "" {
		return
	}
	b.logger.Debug("Bot left voice", "guild_id", vs.GuildID)
	b.voice.HandleExternalDisconnect(vs.GuildID)
}
