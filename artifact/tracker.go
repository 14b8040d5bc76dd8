package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"waifubot/core"
)

// Tracker owns the temporary audio files created for playback and
// guarantees each one is deleted at most once.
type Tracker struct {
	config Config
	logger *core.Logger

	nextID atomic.Uint64

	mu   sync.Mutex
	live map[uint64]*Handle

	leaked     atomic.Int64
	violations atomic.Int64

	closing   chan struct{}
	closeOnce sync.Once

	remove func(name string) error
	wait   func(ctx context.Context, d time.Duration) bool
}

// NewTracker creates the artifact directory if needed.
func NewTracker(config Config, logger *core.Logger) (*Tracker, error) {
	defaults := DefaultConfig()
	if config.Dir == "" {
		config.Dir = defaults.Dir
	}
	if config.DeleteAttempts <= 0 {
		config.DeleteAttempts = defaults.DeleteAttempts
	}
	if config.DeleteBackoffMs < 0 {
		config.DeleteBackoffMs = defaults.DeleteBackoffMs
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir %s: %w", config.Dir, err)
	}

	t := &Tracker{
		config:  config,
		logger:  logger.With(map[string]interface{}{"component": "artifact_tracker"}),
		live:    make(map[uint64]*Handle),
		closing: make(chan struct{}),
		remove:  os.Remove,
	}
	t.wait = t.backoff
	return t, nil
}

// backoff sleeps for d. It returns false early when ctx is done or the
// tracker is closing.
func (t *Tracker) backoff(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}
}

// Create reserves a new temp file in the Created state.
func (t *Tracker) Create(format core.AudioFormat) (*Handle, error) {
	id := t.nextID.Add(1)
	if format == "" {
		format = core.AudioFormatMP3
	}

	f, err := os.CreateTemp(t.config.Dir, fmt.Sprintf("artifact-%d-*.%s", id, format))
	if err != nil {
		return nil, &Error{Op: "create", ID: id, Err: err}
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = t.remove(path)
		return nil, &Error{Op: "create", ID: id, Err: err}
	}

	h := &Handle{id: id, path: path, state: StateCreated}
	t.mu.Lock()
	t.live[id] = h
	t.mu.Unlock()

	t.logger.Debug("Artifact created", "artifact_id", id, "path", path)
	return h, nil
}

// MarkSynthesizing records that audio is being produced for h.
func (t *Tracker) MarkSynthesizing(h *Handle) error {
	return h.transition(StateSynthesizing, StateCreated)
}

// Write stores synthesized audio in h's file.
func (t *Tracker) Write(h *Handle, audio *core.Audio) error {
	if audio == nil || len(audio.Data) == 0 {
		return &Error{Op: "write", ID: h.id, Err: errors.New("no audio data")}
	}
	switch st := h.State(); st {
	case StateCreated, StateSynthesizing:
	default:
		return &InvalidStateError{ID: h.id, From: st, To: StateSynthesizing, Reason: "artifact no longer accepts audio"}
	}
	if err := os.WriteFile(h.path, audio.Data, 0o600); err != nil {
		return &Error{Op: "write", ID: h.id, Err: err}
	}
	return nil
}

// Fail records a synthesis failure. A failed handle can only be released.
func (t *Tracker) Fail(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateCreated || h.state == StateSynthesizing {
		h.failed = true
	}
}

// MarkReady moves h to ReadyToPlay. It fails with an InvalidStateError when
// synthesis failure was reported first.
func (t *Tracker) MarkReady(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failed {
		return &InvalidStateError{ID: h.id, From: h.state, To: StateReadyToPlay, Reason: "synthesis failed"}
	}
	if h.state != StateCreated && h.state != StateSynthesizing {
		return &InvalidStateError{ID: h.id, From: h.state, To: StateReadyToPlay}
	}
	h.state = StateReadyToPlay
	return nil
}

// MarkPlaying is called when h is handed to the player.
func (t *Tracker) MarkPlaying(h *Handle) error {
	return h.transition(StatePlaying, StateReadyToPlay)
}

// Release deletes h's file. Only the first call has an effect. Deletion is
// retried with a fixed backoff and abandoned, with a log line, once the
// attempts run out or the tracker is closed.
func (t *Tracker) Release(h *Handle) {
	t.ReleaseContext(context.Background(), h)
}

// ReleaseContext is Release with the retry waits bounded by ctx. A file that
// could not be deleted before ctx is done is abandoned.
func (t *Tracker) ReleaseContext(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}

	h.mu.Lock()
	if h.state == StatePendingDelete || h.state == StateDeleted {
		h.mu.Unlock()
		t.violations.Add(1)
		core.ReportContractViolation(t.logger, core.NewContractViolation("artifact %d released twice", h.id))
		return
	}
	h.state = StatePendingDelete
	h.mu.Unlock()

	var err error
	for attempt := 1; attempt <= t.config.DeleteAttempts; attempt++ {
		err = t.remove(h.path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			err = nil
			break
		}
		t.logger.Warn("Artifact deletion failed", "artifact_id", h.id, "attempt", attempt, "error", err)
		if attempt < t.config.DeleteAttempts && !t.wait(ctx, t.config.deleteBackoff()) {
			break
		}
	}

	t.mu.Lock()
	delete(t.live, h.id)
	t.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.abandoned = true
		t.leaked.Add(1)
		t.logger.Error("Abandoning artifact after failed deletions",
			"artifact_id", h.id, "path", h.path, "category", core.CategoryArtifact, "error", err)
		return
	}
	h.state = StateDeleted
	t.logger.Debug("Artifact deleted", "artifact_id", h.id)
}

// Scope creates an artifact, hands it to fn and releases it on every exit
// path, panics included. The panic is propagated after the release.
func (t *Tracker) Scope(ctx context.Context, format core.AudioFormat, fn func(ctx context.Context, h *Handle) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := t.Create(format)
	if err != nil {
		return err
	}
	defer t.Release(h)
	return fn(ctx, h)
}

// Live returns the number of handles not yet released.
func (t *Tracker) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Leaked returns how many files were abandoned after failed deletions.
func (t *Tracker) Leaked() int64 { return t.leaked.Load() }

// Violations returns how many double releases were observed.
func (t *Tracker) Violations() int64 { return t.violations.Load() }

// Close releases every live handle. Used on shutdown. Releases still waiting
// to retry a deletion stop waiting, so Close never sits out a backoff.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.closing) })

	t.mu.Lock()
	handles := make([]*Handle, 0, len(t.live))
	for _, h := range t.live {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		if st := h.State(); st != StatePendingDelete && st != StateDeleted {
			t.Release(h)
		}
	}
}
