// Package command turns parsed chat commands into calls on the conversation
// store, the completion client, the speech synthesizer and the voice
// coordinator. Every invocation produces exactly one reply.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"waifubot/artifact"
	"waifubot/conversation"
	"waifubot/core"
	"waifubot/voice"
)

// Invocation is one parsed command from the platform.
type Invocation struct {
	GuildID        string // Empty for direct messages.
	ChannelID      string
	UserID         string
	UserName       string
	VoiceChannelID string // Voice channel the user sits in, or empty.
	Name           string
	Args           string
}

// Replier sends a message back to where the command came from.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

// ReplierFunc adapts a function to Replier.
type ReplierFunc func(ctx context.Context, text string) error

func (f ReplierFunc) Reply(ctx context.Context, text string) error { return f(ctx, text) }

// VoiceCoordinator is the part of voice.Coordinator the dispatcher uses.
type VoiceCoordinator interface {
	EnsureConnected(ctx context.Context, guildID, channelID string) error
	Play(ctx context.Context, guildID string, a voice.Artifact) error
	Disconnect(ctx context.Context, guildID string) (bool, error)
}

// Config holds dispatcher settings.
type Config struct {
	Prefix    string `json:"prefix"`
	TimeoutMs int    `json:"timeout_ms"` // Upper bound for one invocation, voice playback included.
}

func DefaultConfig() Config {
	return Config{Prefix: "w-", TimeoutMs: 5 * 60 * 1000}
}

type Dispatcher struct {
	store     *conversation.Store
	llm       core.CompletionClient
	speech    core.SpeechSynthesizer
	voice     VoiceCoordinator
	artifacts *artifact.Tracker
	config    Config
	logger    *core.Logger
}

// NewDispatcher wires the collaborators. speech, coordinator and artifacts may be
// nil, in which case replies are text only.
func NewDispatcher(
	store *conversation.Store,
	llm core.CompletionClient,
	speech core.SpeechSynthesizer,
	coordinator VoiceCoordinator,
	artifacts *artifact.Tracker,
	config Config,
	logger *core.Logger,
) *Dispatcher {
	if config.Prefix == "" {
		config.Prefix = DefaultConfig().Prefix
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Dispatcher{
		store:     store,
		llm:       llm,
		speech:    speech,
		voice:     coordinator,
		artifacts: artifacts,
		config:    config,
		logger:    logger.With(map[string]interface{}{"component": "dispatcher"}),
	}
}

// Prefix is the command prefix messages must start with.
func (d *Dispatcher) Prefix() string { return d.config.Prefix }

func (d *Dispatcher) voiceEnabled() bool {
	return d.speech != nil && d.voice != nil && d.artifacts != nil
}

// onceReplier lets the first reply through and reports any further one as a
// contract violation.
type onceReplier struct {
	Replier
	logger *core.Logger

	mu      sync.Mutex
	replied bool
}

func (r *onceReplier) Reply(ctx context.Context, text string) error {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		core.ReportContractViolation(r.logger, core.NewContractViolation("second reply for one invocation"))
		return nil
	}
	r.replied = true
	r.mu.Unlock()

	if err := r.Replier.Reply(ctx, text); err != nil {
		r.logger.Warn("Failed to send reply", "error", err)
		return err
	}
	return nil
}

func (r *onceReplier) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}

// Dispatch runs one invocation to completion. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, inv Invocation, replier Replier) {
	requestID := uuid.NewString()
	logger := d.logger.With(map[string]interface{}{
		"request_id": requestID,
		"command":    inv.Name,
		"user_id":    inv.UserID,
		"guild_id":   inv.GuildID,
	})
	out := &onceReplier{Replier: replier, logger: logger}

	if d.config.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(d.config.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			core.ReportContractViolation(logger, &core.ContractViolation{
				What:  fmt.Sprintf("panic in command handler: %v", r),
				Stack: debug.Stack(),
			})
		}
		if !out.done() {
			_ = out.Reply(context.WithoutCancel(ctx), msgUnexpected)
		}
		logger.Debug("Command finished", "duration_ms", time.Since(start).Milliseconds())
	}()

	logger.Info("Command received", "user_name", inv.UserName)

	switch strings.ToLower(inv.Name) {
	case "chat":
		d.chat(ctx, inv, out, logger)
	case "clear":
		d.clear(ctx, inv, out, logger)
	case "disconnect", "dc", "leave":
		d.disconnect(ctx, inv, out, logger)
	case "testvoice":
		d.testVoice(ctx, inv, out, logger)
	default:
		_ = out.Reply(ctx, fmt.Sprintf(msgUnknownCommand, d.config.Prefix, inv.Name))
	}
}

func (d *Dispatcher) chat(ctx context.Context, inv Invocation, out Replier, logger *core.Logger) {
	message := strings.TrimSpace(inv.Args)
	if message == "" {
		_ = out.Reply(ctx, fmt.Sprintf(msgUsageChat, d.config.Prefix))
		return
	}

	var reply string
	var genErr error
	err := d.store.Turn(ctx, inv.UserID, func() error {
		d.store.Append(inv.UserID, core.LLMMessageRoleUser, message)
		reply, genErr = d.llm.Generate(ctx, d.store.History(inv.UserID))
		if genErr != nil {
			return nil
		}
		d.store.Append(inv.UserID, core.LLMMessageRoleAssistant, reply)
		d.store.Trim(inv.UserID)
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Gave up waiting for the conversation turn")
		_ = out.Reply(ctx, msgUnexpected)
		return
	}
	if genErr != nil {
		logger.WithError(genErr).Warn("Completion failed", "category", core.CategoryOf(genErr))
		_ = out.Reply(ctx, replyPrefix+completionErrorMessage(genErr))
		return
	}

	_ = out.Reply(ctx, replyPrefix+reply)

	if inv.VoiceChannelID == "" || inv.GuildID == "" || !d.voiceEnabled() {
		return
	}
	if err := d.speak(ctx, inv, reply); err != nil {
		d.logVoiceFailure(logger, err)
	}
}

func (d *Dispatcher) clear(ctx context.Context, inv Invocation, out Replier, logger *core.Logger) {
	var cleared bool
	err := d.store.Turn(ctx, inv.UserID, func() error {
		cleared = d.store.Reset(inv.UserID)
		return nil
	})
	if err != nil {
		logger.WithError(err).Warn("Gave up waiting for the conversation turn")
		_ = out.Reply(ctx, msgUnexpected)
		return
	}
	if cleared {
		_ = out.Reply(ctx, msgCleared)
		return
	}
	_ = out.Reply(ctx, msgNothingToClear)
}

func (d *Dispatcher) disconnect(ctx context.Context, inv Invocation, out Replier, logger *core.Logger) {
	if inv.GuildID == "" || d.voice == nil {
		_ = out.Reply(ctx, msgNotInVoice)
		return
	}
	left, err := d.voice.Disconnect(ctx, inv.GuildID)
	switch {
	case err != nil:
		logger.WithError(err).Warn("Voice disconnect failed", "category", core.CategoryOf(err))
		_ = out.Reply(ctx, msgDisconnectFailed)
	case left:
		_ = out.Reply(ctx, msgDisconnected)
	default:
		_ = out.Reply(ctx, msgNotInVoice)
	}
}

func (d *Dispatcher) testVoice(ctx context.Context, inv Invocation, out Replier, logger *core.Logger) {
	switch {
	case inv.GuildID == "":
		_ = out.Reply(ctx, msgNeedGuild)
		return
	case inv.VoiceChannelID == "":
		_ = out.Reply(ctx, msgNeedVoice)
		return
	case !d.voiceEnabled():
		_ = out.Reply(ctx, fmt.Sprintf(msgVoiceTestFailed, "voice is disabled"))
		return
	}

	err := d.speak(ctx, inv, testVoicePhrase)
	if err != nil && !errors.Is(err, voice.ErrPlaybackStopped) {
		d.logVoiceFailure(logger, err)
		_ = out.Reply(ctx, fmt.Sprintf(msgVoiceTestFailed, voiceFailureReason(err)))
		return
	}
	_ = out.Reply(ctx, msgVoiceTestOK)
}

// speak connects to the invoking user's channel, synthesizes text into a
// scoped artifact and plays it. The artifact is released on every return.
func (d *Dispatcher) speak(ctx context.Context, inv Invocation, text string) error {
	if err := d.voice.EnsureConnected(ctx, inv.GuildID, inv.VoiceChannelID); err != nil {
		return err
	}

	return d.artifacts.Scope(ctx, core.AudioFormatMP3, func(ctx context.Context, h *artifact.Handle) error {
		if err := d.artifacts.MarkSynthesizing(h); err != nil {
			return err
		}
		audio, err := d.speech.Synthesize(ctx, text)
		if err != nil {
			d.artifacts.Fail(h)
			return err
		}
		if err := d.artifacts.Write(h, audio); err != nil {
			d.artifacts.Fail(h)
			return err
		}
		if err := d.artifacts.MarkReady(h); err != nil {
			return err
		}
		if err := d.artifacts.MarkPlaying(h); err != nil {
			return err
		}
		return d.voice.Play(ctx, inv.GuildID, h)
	})
}

func (d *Dispatcher) logVoiceFailure(logger *core.Logger, err error) {
	if errors.Is(err, voice.ErrPlaybackStopped) {
		logger.Debug("Playback preempted by a newer request")
		return
	}
	logger.WithError(err).Warn("Voice reply failed, text reply stands alone", "category", core.CategoryOf(err))
}
