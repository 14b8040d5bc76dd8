// Package voice coordinates the bot's voice sessions. A guild has at most one
// session. Every connect, move, play and disconnect for a guild runs under
// that guild's lock, so operations on one guild are totally ordered while
// different guilds proceed in parallel.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"waifubot/core"
	"waifubot/utils/keylock"
)

// State is the connection state of a guild's session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// stopGrace bounds how long a stopped playback is waited on before the
// platform is assumed to have let go of it.
const stopGrace = 5 * time.Second

// defaultSolicitWindow is how long a disconnect we caused waits for its
// gateway event before a disconnect event is treated as external again.
const defaultSolicitWindow = 15 * time.Second

// solicitation counts the disconnect events we caused and have not seen yet.
type solicitation struct {
	pending int
	expires time.Time
}

type session struct {
	guildID string

	// Guarded by Coordinator.mu.
	channelID string
	state     State

	// Guarded by the guild lock.
	conn       Connection
	playback   Playback
	playDone   <-chan struct{} // closed once playback has reported completion
	playGen    uint64
	artifactID uint64
}

// Coordinator owns the voice sessions of every guild.
type Coordinator struct {
	platform Platform
	config   Config
	logger   *core.Logger
	locks    *keylock.Map

	mu            sync.Mutex
	sessions      map[string]*session
	solicited     map[string]*solicitation
	solicitWindow time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(platform Platform, config Config, logger *core.Logger) *Coordinator {
	if logger == nil {
		logger = core.GetLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		platform:  platform,
		config:    config.withDefaults(),
		logger:    logger.With(map[string]interface{}{"component": "voice_coordinator"}),
		locks:     keylock.New(),
		sessions:      make(map[string]*session),
		solicited:     make(map[string]*solicitation),
		solicitWindow: defaultSolicitWindow,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// State returns the guild's session state.
func (c *Coordinator) State(guildID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[guildID]; ok {
		return s.state
	}
	return StateDisconnected
}

// ChannelID returns the channel the guild's session sits in, or "".
func (c *Coordinator) ChannelID(guildID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[guildID]; ok {
		return s.channelID
	}
	return ""
}

func (c *Coordinator) lookup(guildID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[guildID]
}

func (c *Coordinator) set(s *session, state State, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.state = state
	s.channelID = channelID
}

func (c *Coordinator) setChannel(s *session, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.channelID = channelID
}

func (c *Coordinator) setState(s *session, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.state = state
}

func (c *Coordinator) drop(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.state = StateDisconnected
	if c.sessions[s.guildID] == s {
		delete(c.sessions, s.guildID)
	}
}

// EnsureConnected leaves the guild connected to channelID. An existing
// session in the same channel is reused, one in another channel is moved, and
// one the platform reports as no longer connected is torn down and replaced.
func (c *Coordinator) EnsureConnected(ctx context.Context, guildID, channelID string) error {
	unlock, err := c.locks.Lock(ctx, guildID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := c.logger.With(map[string]interface{}{"guild_id": guildID, "channel_id": channelID})

	if s := c.lookup(guildID); s != nil && s.conn != nil {
		switch {
		case !s.conn.Connected():
			logger.Warn("Stored voice connection is stale, reconnecting")
			c.teardown(ctx, s)
		case s.conn.ChannelID() == channelID:
			return nil
		default:
			err := s.conn.Move(ctx, channelID)
			if err == nil {
				c.setChannel(s, channelID)
				logger.Info("Moved voice session")
				return nil
			}
			logger.Warn("Move failed, reconnecting", "error", err)
			c.teardown(ctx, s)
		}
	}

	return c.connect(ctx, guildID, channelID, c.config.ConnectAttempts)
}

// connect makes up to attempts fresh connection attempts. Callers hold the
// guild lock.
func (c *Coordinator) connect(ctx context.Context, guildID, channelID string, attempts int) error {
	s := &session{guildID: guildID, channelID: channelID, state: StateConnecting}
	c.mu.Lock()
	c.sessions[guildID] = s
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := c.config.connectBackoff() * time.Duration(attempt)
			c.logger.Infof("Voice: retrying connection to guild %s (attempt %d/%d) in %v after error: %v",
				guildID, attempt+1, attempts, delay, lastErr)
			select {
			case <-ctx.Done():
				c.drop(s)
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.connectTimeout())
		conn, err := c.platform.Connect(attemptCtx, guildID, channelID)
		cancel()
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		s.conn = conn
		c.set(s, StateConnected, channelID)
		c.logger.Info("Connected to voice channel", "guild_id", guildID, "channel_id", channelID)
		return nil
	}

	c.drop(s)
	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	return &ConnectError{GuildID: guildID, ChannelID: channelID, Attempts: attempts, Err: lastErr}
}

// teardown stops playback and removes the session. A live connection leaves
// its channel, and that disconnect is recorded as ours. Callers hold the
// guild lock.
func (c *Coordinator) teardown(ctx context.Context, s *session) error {
	c.stopPlayback(s)

	var err error
	if s.conn != nil {
		if s.conn.Connected() {
			c.mu.Lock()
			c.solicit(s.guildID)
			c.mu.Unlock()
			if err = s.conn.Disconnect(ctx); err != nil {
				c.mu.Lock()
				c.unsolicit(s.guildID)
				c.mu.Unlock()
			}
		} else {
			s.conn.Close()
		}
		s.conn = nil
	}
	c.drop(s)
	return err
}

// solicit, unsolicit and consumeSolicited must be called with c.mu held.
func (c *Coordinator) solicit(guildID string) {
	e := c.solicited[guildID]
	if e == nil {
		e = &solicitation{}
		c.solicited[guildID] = e
	}
	e.pending++
	e.expires = time.Now().Add(c.solicitWindow)
}

func (c *Coordinator) unsolicit(guildID string) {
	e := c.solicited[guildID]
	if e == nil {
		return
	}
	if e.pending--; e.pending <= 0 {
		delete(c.solicited, guildID)
	}
}

// consumeSolicited reports whether a disconnect event for guildID is one we
// caused. Solicitations whose event never arrived in time are discarded.
func (c *Coordinator) consumeSolicited(guildID string) bool {
	e := c.solicited[guildID]
	if e == nil {
		return false
	}
	if time.Now().After(e.expires) {
		delete(c.solicited, guildID)
		return false
	}
	c.unsolicit(guildID)
	return true
}

// stopPlayback stops the session's playback and waits, up to stopGrace, for
// it to report completion. Callers hold the guild lock.
func (c *Coordinator) stopPlayback(s *session) {
	if s.playback == nil {
		return
	}
	s.playback.Stop()
	select {
	case <-s.playDone:
	case <-time.After(stopGrace):
		c.logger.Warn("Stopped playback did not finish in time",
			"guild_id", s.guildID, "artifact_id", s.artifactID, "grace", stopGrace)
	}
	s.playback = nil
	s.playDone = nil
	s.artifactID = 0
}

// Play plays a in the guild's session and blocks until playback ends. A
// playback already running in the guild is stopped first. The caller keeps
// ownership of a and releases it once Play returns.
func (c *Coordinator) Play(ctx context.Context, guildID string, a Artifact) error {
	unlock, err := c.locks.Lock(ctx, guildID)
	if err != nil {
		return err
	}

	s := c.lookup(guildID)
	if s == nil || s.conn == nil || !s.conn.Connected() {
		unlock()
		return ErrNotConnected
	}

	if s.playback != nil {
		c.logger.Info("Preempting current playback",
			"guild_id", guildID, "artifact_id", s.artifactID, "next_artifact_id", a.ID())
		c.stopPlayback(s)
	}

	done := make(chan error, 1)
	finished := make(chan struct{})
	var once sync.Once
	pb, err := s.conn.Play(a.Path(), func(err error) {
		once.Do(func() {
			done <- err
			close(finished)
		})
	})
	if err != nil {
		unlock()
		return &PlaybackError{GuildID: guildID, ArtifactID: a.ID(), Err: err}
	}

	s.playGen++
	gen := s.playGen
	s.playback = pb
	s.playDone = finished
	s.artifactID = a.ID()
	c.setState(s, StatePlaying)
	unlock()

	select {
	case err = <-done:
	case <-ctx.Done():
		pb.Stop()
		select {
		case <-done:
		case <-time.After(stopGrace):
		}
		err = ctx.Err()
	}

	// The session may have been preempted, moved or torn down meanwhile; only
	// the playback that is still current returns the session to Connected.
	relock, _ := c.locks.Lock(context.Background(), guildID)
	if c.lookup(guildID) == s && s.playGen == gen {
		s.playback = nil
		s.playDone = nil
		s.artifactID = 0
		if s.conn != nil {
			c.setState(s, StateConnected)
		}
	}
	relock()

	if err != nil && !errors.Is(err, ErrPlaybackStopped) && !errors.Is(err, ctx.Err()) {
		return &PlaybackError{GuildID: guildID, ArtifactID: a.ID(), Err: err}
	}
	return err
}

// Disconnect leaves the guild's voice channel. It reports whether there was
// a session to leave.
func (c *Coordinator) Disconnect(ctx context.Context, guildID string) (bool, error) {
	unlock, err := c.locks.Lock(ctx, guildID)
	if err != nil {
		return false, err
	}
	defer unlock()

	s := c.lookup(guildID)
	if s == nil {
		return false, nil
	}
	if err := c.teardown(ctx, s); err != nil {
		c.logger.Warn("Voice disconnect reported an error", "guild_id", guildID, "error", err)
		return true, err
	}
	c.logger.Info("Disconnected from voice", "guild_id", guildID)
	return true, nil
}

// HandleExternalDisconnect is called by the platform when the bot's own
// voice connection in guildID went away. Disconnects the coordinator caused
// are ignored while their event is still expected. Any other disconnect triggers one reconnect attempt to the
// last-known channel in the background.
func (c *Coordinator) HandleExternalDisconnect(guildID string) {
	c.mu.Lock()
	if c.consumeSolicited(guildID) {
		c.mu.Unlock()
		c.logger.Debug("Ignoring disconnect event caused by us", "guild_id", guildID)
		return
	}
	c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectOnce(guildID)
	}()
}

func (c *Coordinator) reconnectOnce(guildID string) {
	unlock, err := c.locks.Lock(c.ctx, guildID)
	if err != nil {
		return
	}
	defer unlock()

	s := c.lookup(guildID)
	if s == nil || s.conn == nil {
		return
	}
	channelID := s.channelID
	logger := c.logger.With(map[string]interface{}{"guild_id": guildID, "channel_id": channelID})
	logger.Warn("Voice connection dropped unexpectedly, reconnecting once")

	c.stopPlayback(s)
	s.conn.Close()
	s.conn = nil
	c.drop(s)

	if err := c.connect(c.ctx, guildID, channelID, 1); err != nil {
		logger.WithError(err).Error("Reconnect failed, giving up", "category", core.CategoryVoiceConnection)
		return
	}
	logger.Info("Reconnected after unexpected disconnect")
}

// Close disconnects every session and waits for background reconnects.
func (c *Coordinator) Close(ctx context.Context) {
	c.cancel()

	c.mu.Lock()
	guilds := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		guilds = append(guilds, id)
	}
	c.mu.Unlock()

	for _, id := range guilds {
		if _, err := c.Disconnect(ctx, id); err != nil {
			c.logger.Warn("Disconnect during shutdown failed", "guild_id", id, "error", err)
		}
	}
	c.wg.Wait()
}
