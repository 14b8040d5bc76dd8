// Package conversation keeps the bounded, per-user message history that is
// sent to the completion API.
//
// Every history starts with the system prompt and is trimmed as a sliding
// window: entry[0] stays put and only the most recent MaxTurns*2 entries
// after it survive. Histories live in memory for the lifetime of the process.
package conversation

import (
	"context"
	"sync"

	"waifubot/core"
	"waifubot/utils/keylock"
)

type history struct {
	mu      sync.Mutex
	entries []core.LLMMessage
}

// Store owns all user histories. Data access is guarded per user, and Turn
// provides a per-user scope that serializes whole chat exchanges.
type Store struct {
	config Config

	mu    sync.Mutex // guards users only
	users map[string]*history

	turns *keylock.Map
}

func NewStore(config Config) *Store {
	if config.MaxTurns <= 0 {
		config.MaxTurns = DefaultConfig().MaxTurns
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	return &Store{
		config: config,
		users:  make(map[string]*history),
		turns:  keylock.New(),
	}
}

// Config returns the store's effective configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) systemEntry() core.LLMMessage {
	return core.LLMMessage{Role: core.LLMMessageRoleSystem, Content: s.config.SystemPrompt}
}

func (s *Store) lookup(userID string, create bool) *history {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.users[userID]
	if !ok && create {
		h = &history{entries: []core.LLMMessage{s.systemEntry()}}
		s.users[userID] = h
	}
	return h
}

// Turn runs fn inside the user's exclusive scope. Two calls for the same user
// never overlap; calls for different users run in parallel.
func (s *Store) Turn(ctx context.Context, userID string, fn func() error) error {
	return s.turns.Do(ctx, userID, fn)
}

// Append adds an entry to the user's history, creating the history with the
// system prompt first when absent.
func (s *Store) Append(userID string, role core.LLMMessageRole, content string) {
	h := s.lookup(userID, true)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, core.LLMMessage{Role: role, Content: content})
}

// History returns a copy of the user's entries. Users without history get
// just the system prompt, without a history being created for them.
func (s *Store) History(userID string) []core.LLMMessage {
	h := s.lookup(userID, false)
	if h == nil {
		return []core.LLMMessage{s.systemEntry()}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.LLMMessage, len(h.entries))
	copy(out, h.entries)
	return out
}

// Trim applies the sliding window to the user's history.
func (s *Store) Trim(userID string) {
	h := s.lookup(userID, false)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = trimWindow(h.entries, s.config.MaxEntries())
}

func trimWindow(entries []core.LLMMessage, maxEntries int) []core.LLMMessage {
	if len(entries) <= maxEntries {
		return entries
	}
	keep := maxEntries - 1
	out := make([]core.LLMMessage, 0, maxEntries)
	out = append(out, entries[0])
	out = append(out, entries[len(entries)-keep:]...)
	return out
}

// Reset replaces the user's history with the system prompt alone. It
// reports false, and creates nothing, when the user has no history.
func (s *Store) Reset(userID string) bool {
	h := s.lookup(userID, false)
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = []core.LLMMessage{s.systemEntry()}
	return true
}

// Has reports whether a history exists for the user.
func (s *Store) Has(userID string) bool {
	return s.lookup(userID, false) != nil
}

// Users returns the number of users with a history.
func (s *Store) Users() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}
