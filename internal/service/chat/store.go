package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/chatstream/internal/model/chat"
)

// DefaultWindow is the number of most recent turns sent as context.
const DefaultWindow = 40

// Store is the ordered conversation log. It keeps every turn for display and
// exposes a bounded suffix as the context window.
type Store struct {
	mu     sync.RWMutex
	turns  []chat.Turn
	window int
	now    func() time.Time
}

// NewStore creates an empty store whose context window holds at most window
// turns. Non-positive values fall back to DefaultWindow.
func NewStore(window int) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{
		turns:  make([]chat.Turn, 0, 16),
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Append records a new turn and returns it.
func (s *Store) Append(role chat.Role, content string) (chat.Turn, error) {
	if !role.Valid() {
		return chat.Turn{}, errors.Wrapf(ErrUnknownRole, "role %q", role)
	}

	turn := chat.Turn{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.mu.Unlock()

	return turn, nil
}

// ContextWindow returns a copy of the most recent turns, oldest first.
func (s *Store) ContextWindow() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if len(s.turns) > s.window {
		start = len(s.turns) - s.window
	}
	copied := make([]chat.Turn, len(s.turns)-start)
	copy(copied, s.turns[start:])
	return copied
}

// Turns returns a copy of the full log.
func (s *Store) Turns() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Turn, len(s.turns))
	copy(copied, s.turns)
	return copied
}

// Len returns the number of stored turns.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Window returns the configured context window size.
func (s *Store) Window() int {
	return s.window
}

// Reset drops every turn.
func (s *Store) Reset() {
	s.mu.Lock()
	s.turns = make([]chat.Turn, 0, 16)
	s.mu.Unlock()
}

// discardLast removes the newest turn if it is the one with id. Only the
// coordinator uses it, to undo a user turn whose session never started.
func (s *Store) discardLast(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.turns)
	if n == 0 || s.turns[n-1].ID != id {
		return false
	}
	s.turns = s.turns[:n-1]
	return true
}
