package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidSessionIndex is returned by Select for an index outside [0, Len()).
	ErrInvalidSessionIndex = errors.New("invalid session index")
	// ErrUnknownSession is returned when a session id is not in the store.
	ErrUnknownSession = errors.New("unknown session")
)

// Message represents a single chat message. It is never modified after creation.
type Message struct {
	Text      string    `json:"text"`
	IsUser    bool      `json:"is_user"`
	Timestamp time.Time `json:"timestamp"`
}

// UserMessage builds a message typed or spoken by the user.
func UserMessage(text string) Message {
	return Message{Text: text, IsUser: true, Timestamp: time.Now()}
}

// BotMessage builds a reply message.
func BotMessage(text string) Message {
	return Message{Text: text, IsUser: false, Timestamp: time.Now()}
}

// SendState tracks the outbound request of one session.
type SendState int

const (
	Idle SendState = iota
	Pending
	Succeeded
	Failed
)

func (s SendState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("SendState(%d)", int(s))
}

// Session represents a chat session. Messages are append-only.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Messages  []Message `json:"messages"`
	State     SendState `json:"-"`
}

// Summary is the sidebar view of a session.
type Summary struct {
	Index        int       `json:"index"`
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	MessageCount int       `json:"message_count"`
	Active       bool      `json:"active"`
}

// Store owns the ordered sessions and the active-session pointer.
// Sessions are never removed or reordered.
type Store struct {
	mu       sync.RWMutex
	sessions []*Session
	byID     map[string]int
	active   int
}

// NewStore creates a store holding one empty, active session.
func NewStore() *Store {
	s := &Store{byID: make(map[string]int)}
	s.newSessionLocked()
	return s
}

// NewSession appends an empty session and makes it active.
func (s *Store) NewSession() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(s.newSessionLocked())
}

func (s *Store) newSessionLocked() int {
	sess := &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
		Messages:  []Message{},
	}
	s.sessions = append(s.sessions, sess)
	s.active = len(s.sessions) - 1
	s.byID[sess.ID] = s.active
	return s.active
}

// Select makes the session at index active.
func (s *Store) Select(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.sessions) {
		return fmt.Errorf("%w: %d (have %d)", ErrInvalidSessionIndex, index, len(s.sessions))
	}
	s.active = index
	return nil
}

// Append adds msg to the active session and returns that session's id.
func (s *Store) Append(msg Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[s.active]
	sess.Messages = append(sess.Messages, msg)
	return sess.ID
}

// AppendTo adds msg to the session with the given id, active or not.
func (s *Store) AppendTo(id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	sess := s.sessions[idx]
	sess.Messages = append(sess.Messages, msg)
	return nil
}

// Active returns a copy of the active session.
func (s *Store) Active() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(s.active)
}

// ActiveIndex returns the position of the active session.
func (s *Store) ActiveIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Get returns a copy of the session with the given id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.snapshot(idx), nil
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns summaries of all sessions in creation order.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = Summary{
			Index:        i,
			ID:           sess.ID,
			StartTime:    sess.StartTime,
			MessageCount: len(sess.Messages),
			Active:       i == s.active,
		}
	}
	return out
}

// SetState records the send state of a session.
func (s *Store) SetState(id string, state SendState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.sessions[idx].State = state
	return nil
}

// State returns the send state of a session.
func (s *Store) State(id string) (SendState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byID[id]
	if !ok {
		return Idle, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s.sessions[idx].State, nil
}

func (s *Store) snapshot(idx int) Session {
	src := s.sessions[idx]
	msgs := make([]Message, len(src.Messages))
	copy(msgs, src.Messages)
	return Session{
		ID:        src.ID,
		StartTime: src.StartTime,
		Messages:  msgs,
		State:     src.State,
	}
}
