package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waifubot/core"
)

type fakePlatform struct {
	mu           sync.Mutex
	connects     int
	failFirst    int
	failAll      bool
	connectDelay time.Duration
	active       map[string]int
	maxActive    int
	conns        []*fakeConn
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{active: make(map[string]int)}
}

func (p *fakePlatform) Connect(ctx context.Context, guildID, channelID string) (Connection, error) {
	if p.connectDelay > 0 {
		select {
		case <-time.After(p.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.failAll || p.connects <= p.failFirst {
		return nil, errors.New("gateway timeout")
	}
	p.active[guildID]++
	if p.active[guildID] > p.maxActive {
		p.maxActive = p.active[guildID]
	}
	conn := &fakeConn{platform: p, guildID: guildID, channelID: channelID, connected: true}
	p.conns = append(p.conns, conn)
	return conn, nil
}

func (p *fakePlatform) connectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *fakePlatform) lastConn() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

func (p *fakePlatform) release(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[guildID]--
}

type fakeConn struct {
	platform *fakePlatform
	guildID  string

	mu          sync.Mutex
	channelID   string
	connected   bool
	moves       int
	disconnects int
	closed      bool
	plays       []*fakePlayback
	stopDelay   time.Duration // how long a stopped playback takes to finish
	events      []string
}

func (c *fakeConn) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *fakeConn) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeConn) setStopDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDelay = d
}

func (c *fakeConn) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// drop simulates the platform losing the connection.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeConn) Move(ctx context.Context, channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moves++
	c.channelID = channelID
	return nil
}

func (c *fakeConn) Play(path string, onComplete func(error)) (Playback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pb := &fakePlayback{conn: c, path: path, onComplete: onComplete, stopDelay: c.stopDelay}
	c.plays = append(c.plays, pb)
	c.events = append(c.events, "start "+path)
	return pb, nil
}

func (c *fakeConn) playbacks() []*fakePlayback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakePlayback(nil), c.plays...)
}

func (c *fakeConn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	c.events = append(c.events, "disconnect")
	c.mu.Unlock()
	c.platform.release(c.guildID)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	if !wasClosed {
		c.platform.release(c.guildID)
	}
}

type fakePlayback struct {
	conn       *fakeConn
	path       string
	onComplete func(error)
	stopDelay  time.Duration
	once       sync.Once
	stopped    atomic.Bool
}

func (pb *fakePlayback) Stop() {
	pb.stopped.Store(true)
	go func() {
		time.Sleep(pb.stopDelay)
		pb.finish(ErrPlaybackStopped)
	}()
}

func (pb *fakePlayback) finish(err error) {
	pb.once.Do(func() {
		pb.conn.record("finish " + pb.path)
		pb.onComplete(err)
	})
}

type fakeArtifact struct {
	id uint64
}

func (a fakeArtifact) ID() uint64   { return a.id }
func (a fakeArtifact) Path() string { return fmt.Sprintf("/tmp/artifact-%d.mp3", a.id) }

func newTestCoordinator(p Platform) *Coordinator {
	return NewCoordinator(p, Config{ConnectTimeoutMs: 1000, ConnectAttempts: 3, ConnectBackoffMs: 0}, core.NewNopLogger())
}

func TestEnsureConnectedReusesSession(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))

	require.Equal(t, 1, p.connectCount())
	require.Equal(t, StateConnected, c.State("g1"))
	require.Equal(t, "vc1", c.ChannelID("g1"))
}

func TestEnsureConnectedMovesWithinGuild(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc2"))

	require.Equal(t, 1, p.connectCount())
	require.Equal(t, 1, p.lastConn().moves)
	require.Equal(t, "vc2", c.ChannelID("g1"))
}

func TestEnsureConnectedReplacesStaleConnection(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	stale := p.lastConn()
	stale.drop()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	require.Equal(t, 2, p.connectCount())
	require.True(t, stale.closed)
	require.Zero(t, stale.disconnects)
	require.NotSame(t, stale, p.lastConn())
}

func TestEnsureConnectedRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on third attempt", func(t *testing.T) {
		p := newFakePlatform()
		p.failFirst = 2
		c := newTestCoordinator(p)

		require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
		require.Equal(t, 3, p.connectCount())
		require.Equal(t, StateConnected, c.State("g1"))
	})

	t.Run("gives up after three attempts", func(t *testing.T) {
		p := newFakePlatform()
		p.failAll = true
		c := newTestCoordinator(p)

		err := c.EnsureConnected(ctx, "g1", "vc1")
		var connErr *ConnectError
		require.ErrorAs(t, err, &connErr)
		require.Equal(t, 3, connErr.Attempts)
		require.Equal(t, core.CategoryVoiceConnection, core.CategoryOf(err))
		require.Equal(t, 3, p.connectCount())
		require.Equal(t, StateDisconnected, c.State("g1"))
	})

	t.Run("per attempt timeout", func(t *testing.T) {
		p := newFakePlatform()
		p.connectDelay = time.Second
		c := NewCoordinator(p, Config{ConnectTimeoutMs: 10, ConnectAttempts: 2}, core.NewNopLogger())

		err := c.EnsureConnected(ctx, "g1", "vc1")
		var connErr *ConnectError
		require.ErrorAs(t, err, &connErr)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestConcurrentConnectsKeepOneSessionPerGuild(t *testing.T) {
	p := newFakePlatform()
	p.connectDelay = 5 * time.Millisecond
	c := newTestCoordinator(p)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		channel := fmt.Sprintf("vc%d", i%2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.EnsureConnected(ctx, "g1", channel))
		}()
	}
	wg.Wait()

	require.Equal(t, 1, p.connectCount())
	require.Equal(t, 1, p.maxActive)
}

func TestGuildsConnectInParallel(t *testing.T) {
	p := newFakePlatform()
	p.connectDelay = 100 * time.Millisecond
	c := newTestCoordinator(p)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		guild := fmt.Sprintf("g%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.EnsureConnected(ctx, guild, "vc"))
		}()
	}
	wg.Wait()

	require.Less(t, time.Since(start), 400*time.Millisecond)
	require.Equal(t, 5, p.connectCount())
}

func TestPlayRequiresConnection(t *testing.T) {
	c := newTestCoordinator(newFakePlatform())
	err := c.Play(context.Background(), "g1", fakeArtifact{id: 1})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestPlayAfterExternalDropIsNotConnected(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	p.lastConn().drop()

	err := c.Play(ctx, "g1", fakeArtifact{id: 1})
	require.ErrorIs(t, err, ErrNotConnected)
	require.Empty(t, p.lastConn().playbacks())
}

func startPlay(c *Coordinator, guildID string, id uint64) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- c.Play(context.Background(), guildID, fakeArtifact{id: id})
	}()
	return result
}

func TestPlayBlocksUntilCompletion(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	require.NoError(t, c.EnsureConnected(context.Background(), "g1", "vc1"))
	conn := p.lastConn()

	result := startPlay(c, "g1", 1)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, StatePlaying, c.State("g1"))
	require.Equal(t, "/tmp/artifact-1.mp3", conn.playbacks()[0].path)

	select {
	case <-result:
		t.Fatal("Play returned before playback completed")
	case <-time.After(20 * time.Millisecond):
	}

	go conn.playbacks()[0].finish(nil)
	require.NoError(t, <-result)
	require.Equal(t, StateConnected, c.State("g1"))
}

func TestPlayPreemptsCurrentPlayback(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	require.NoError(t, c.EnsureConnected(context.Background(), "g1", "vc1"))
	conn := p.lastConn()

	first := startPlay(c, "g1", 1)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)

	second := startPlay(c, "g1", 2)
	require.ErrorIs(t, <-first, ErrPlaybackStopped)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 2 }, time.Second, time.Millisecond)
	require.True(t, conn.playbacks()[0].stopped.Load())

	// The preempted request must not reset the state of the newer playback.
	require.Equal(t, StatePlaying, c.State("g1"))

	go conn.playbacks()[1].finish(nil)
	require.NoError(t, <-second)
	require.Equal(t, StateConnected, c.State("g1"))
}

func TestPreemptedPlaybackFinishesBeforeNextStarts(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	require.NoError(t, c.EnsureConnected(context.Background(), "g1", "vc1"))
	conn := p.lastConn()
	conn.setStopDelay(50 * time.Millisecond)

	first := startPlay(c, "g1", 1)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)

	second := startPlay(c, "g1", 2)
	require.ErrorIs(t, <-first, ErrPlaybackStopped)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{
		"start /tmp/artifact-1.mp3",
		"finish /tmp/artifact-1.mp3",
		"start /tmp/artifact-2.mp3",
	}, conn.eventLog())

	go conn.playbacks()[1].finish(nil)
	require.NoError(t, <-second)
	require.Equal(t, StateConnected, c.State("g1"))
}

func TestDisconnectWaitsForStoppedPlayback(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()
	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	conn := p.lastConn()
	conn.setStopDelay(50 * time.Millisecond)

	result := startPlay(c, "g1", 1)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)

	_, err := c.Disconnect(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, []string{"start /tmp/artifact-1.mp3", "finish /tmp/artifact-1.mp3", "disconnect"}, conn.eventLog())
	require.ErrorIs(t, <-result, ErrPlaybackStopped)
}

func TestPlaybackFailureIsWrapped(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	require.NoError(t, c.EnsureConnected(context.Background(), "g1", "vc1"))
	conn := p.lastConn()

	result := startPlay(c, "g1", 7)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)
	go conn.playbacks()[0].finish(errors.New("ffmpeg exited"))

	err := <-result
	var pbErr *PlaybackError
	require.ErrorAs(t, err, &pbErr)
	require.EqualValues(t, 7, pbErr.ArtifactID)
	require.Equal(t, StateConnected, c.State("g1"))
}

func TestDisconnect(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	left, err := c.Disconnect(ctx, "g1")
	require.NoError(t, err)
	require.False(t, left)

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	conn := p.lastConn()
	result := startPlay(c, "g1", 1)
	require.Eventually(t, func() bool { return len(conn.playbacks()) == 1 }, time.Second, time.Millisecond)

	left, err = c.Disconnect(ctx, "g1")
	require.NoError(t, err)
	require.True(t, left)
	require.ErrorIs(t, <-result, ErrPlaybackStopped)
	require.Equal(t, StateDisconnected, c.State("g1"))
	require.Equal(t, 1, conn.disconnects)
}

func TestSolicitedDisconnectDoesNotReconnect(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	_, err := c.Disconnect(ctx, "g1")
	require.NoError(t, err)

	c.HandleExternalDisconnect("g1")
	c.Close(ctx)

	require.Equal(t, 1, p.connectCount())
	require.Equal(t, StateDisconnected, c.State("g1"))
}

func TestUnseenSolicitedDisconnectExpires(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	c.solicitWindow = 20 * time.Millisecond
	ctx := context.Background()

	// The gateway never delivers the event for this disconnect.
	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	_, err := c.Disconnect(ctx, "g1")
	require.NoError(t, err)

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	time.Sleep(40 * time.Millisecond)

	p.lastConn().drop()
	c.HandleExternalDisconnect("g1")
	require.Eventually(t, func() bool {
		return p.connectCount() == 3 && c.State("g1") == StateConnected
	}, time.Second, time.Millisecond)
	c.Close(ctx)
}

func TestExternalDisconnectReconnectsOnce(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)
	ctx := context.Background()

	require.NoError(t, c.EnsureConnected(ctx, "g1", "vc1"))
	first := p.lastConn()
	first.drop()

	c.HandleExternalDisconnect("g1")
	require.Eventually(t, func() bool {
		return p.connectCount() == 2 && c.State("g1") == StateConnected
	}, time.Second, time.Millisecond)
	require.True(t, first.closed)
	require.Equal(t, "vc1", c.ChannelID("g1"))

	// A second drop with a failing platform gets exactly one attempt.
	p.mu.Lock()
	p.failAll = true
	p.mu.Unlock()
	p.lastConn().drop()

	c.HandleExternalDisconnect("g1")
	require.Eventually(t, func() bool { return p.connectCount() == 3 }, time.Second, time.Millisecond)
	c.Close(ctx)

	require.Equal(t, 3, p.connectCount())
	require.Equal(t, StateDisconnected, c.State("g1"))
}

func TestExternalDisconnectWithoutSessionIsIgnored(t *testing.T) {
	p := newFakePlatform()
	c := newTestCoordinator(p)

	c.HandleExternalDisconnect("g1")
	c.Close(context.Background())

	require.Zero(t, p.connectCount())
}
