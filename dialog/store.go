// Package dialog keeps a bounded, per-sender conversation window.
package dialog

import (
	"sync"

	"github.com/somewheresy/discord-LLM-chatbot/llm"
)

const DefaultCapacity = 5

// Store maps sender ids to their conversation contexts. All contexts share
// one capacity. Contexts live for the process lifetime; there is no expiry.
type Store struct {
	mu       sync.Mutex
	capacity int
	contexts map[string][]llm.Message
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		contexts: make(map[string][]llm.Message),
	}
}

func (s *Store) Capacity() int { return s.capacity }

// GetOrCreate returns whether the sender already had a context, creating and
// seeding one with a system turn if not.
func (s *Store) GetOrCreate(senderID, seedSystemPrompt string) (created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contexts[senderID]; ok {
		return false
	}
	s.contexts[senderID] = []llm.Message{{Role: llm.RoleSystem, Content: seedSystemPrompt}}
	return true
}

// Append adds a turn, evicting the oldest turn first when the window is full.
// The seeded system turn is evicted like any other once it ages out.
func (s *Store) Append(senderID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.contexts[senderID]
	if len(turns) >= s.capacity {
		turns = turns[1:]
	}
	s.contexts[senderID] = append(turns, llm.Message{Role: role, Content: content})
}

// Snapshot returns a copy of the sender's turns in append order. The copy is
// independent of later appends.
func (s *Store) Snapshot(senderID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.contexts[senderID]...)
}

func (s *Store) Len(senderID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts[senderID])
}

// Reset drops the sender's context entirely; the next message re-seeds it.
func (s *Store) Reset(senderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, senderID)
}
