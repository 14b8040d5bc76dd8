package artifact

import "sync"

// State is the lifecycle position of an artifact.
type State int

const (
	StateCreated State = iota
	StateSynthesizing
	StateReadyToPlay
	StatePlaying
	StatePendingDelete
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSynthesizing:
		return "synthesizing"
	case StateReadyToPlay:
		return "ready_to_play"
	case StatePlaying:
		return "playing"
	case StatePendingDelete:
		return "pending_delete"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Handle is one temporary audio file created for a single playback.
type Handle struct {
	id   uint64
	path string

	mu        sync.Mutex
	state     State
	failed    bool // synthesis reported failure
	abandoned bool // deletion gave up
}

func (h *Handle) ID() uint64 { return h.id }

// Path is the on-disk location of the audio.
func (h *Handle) Path() string { return h.path }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Abandoned reports whether deletion was given up after exhausting retries.
func (h *Handle) Abandoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.abandoned
}

// transition moves the handle to `to` when its current state is one of
// `from`.
func (h *Handle) transition(to State, from ...State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range from {
		if h.state == f {
			h.state = to
			return nil
		}
	}
	return &InvalidStateError{ID: h.id, From: h.state, To: to}
}
