package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

// State is the turn state machine position of a session.
type State string

const (
	StateIdle        State = "idle"
	StateRetrieving  State = "retrieving"
	StateGenerating  State = "generating"
	StateSpeaking    State = "speaking"
	StateCompleted   State = "completed"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
)

// Terminal reports whether a turn in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateInterrupted, StateFailed:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Turn is one entry of the conversation history. It is appended only once
// it has reached a terminal state and is never modified afterwards.
type Turn struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Text      string           `json:"text"`
	Chunks    []audio.ChunkRef `json:"chunks,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	Completed bool             `json:"completed"`
	Outcome   Outcome          `json:"outcome"`
	Truncated bool             `json:"truncated,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Session is the conversation owned by one orchestrator.
type Session struct {
	ID      string
	History []Turn
	State   State

	interrupted atomic.Bool
}

func New(id string) *Session {
	return &Session{ID: id, State: StateIdle}
}

// MarkInterrupted records a barge-in. It is safe to call from any goroutine.
func (s *Session) MarkInterrupted() { s.interrupted.Store(true) }

// TakeInterrupted reports and clears the barge-in flag.
func (s *Session) TakeInterrupted() bool { return s.interrupted.Swap(false) }

func (s *Session) Interrupted() bool { return s.interrupted.Load() }

// Recent returns up to n of the latest turns, oldest first.
func (s *Session) Recent(n int) []Turn {
	if n <= 0 || n >= len(s.History) {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Store persists conversation history.
type Store interface {
	Append(ctx context.Context, sessionID string, turn Turn) error
	// Load returns the session with its history. Unknown sessions load empty.
	Load(ctx context.Context, sessionID string) (*Session, error)
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Turn)}
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, turn Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = append(m.sessions[sessionID], turn)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := New(sessionID)
	s.History = append([]Turn(nil), m.sessions[sessionID]...)
	return s, nil
}
