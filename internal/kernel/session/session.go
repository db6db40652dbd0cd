// Package session implements the kernel's in-memory, per-principal working
// store: bounded rings of recent tool results and conversation history.
// Grounded on internal/agent/tool_registry.go's per-session mutex
// (sessionLock + lockSession/refcount cleanup) for the locking discipline,
// generalized to a read/write-locked map per the kernel's design note
// ("Shared sessions store is a read/write-locked mapping principal ->
// Session").
package session

import (
	"sync"
)

const (
	recentResultsCap        = 10
	conversationHistoryCap  = 20
)

// ToolResult is one bounded-ring entry of recent tool output.
type ToolResult struct {
	Tool   string
	Output string
}

// Turn is one bounded-ring entry of conversation history.
type Turn struct {
	Role    string
	Content string
}

// Session holds one principal's working memory.
type Session struct {
	mu                  sync.Mutex
	recentResults       []ToolResult
	conversationHistory []Turn
}

func (s *Session) AddResult(r ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentResults = append(s.recentResults, r)
	if len(s.recentResults) > recentResultsCap {
		s.recentResults = s.recentResults[len(s.recentResults)-recentResultsCap:]
	}
}

func (s *Session) AddTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationHistory = append(s.conversationHistory, t)
	if len(s.conversationHistory) > conversationHistoryCap {
		s.conversationHistory = s.conversationHistory[len(s.conversationHistory)-conversationHistoryCap:]
	}
}

// Snapshot returns copies of the session's bounded rings, safe to read
// concurrently with further mutation.
func (s *Session) Snapshot() (results []ToolResult, history []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results = append([]ToolResult(nil), s.recentResults...)
	history = append([]Turn(nil), s.conversationHistory...)
	return
}

// Store is the read/write-locked mapping principal -> Session. All
// mutations are per-turn and short, so a single writer at a time per
// principal is acceptable; the store-level lock only protects the map
// itself, not the sessions inside it.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Get returns the session for principalKey, creating it if absent.
func (s *Store) Get(principalKey string) *Session {
	s.mu.RLock()
	sess, ok := s.sessions[principalKey]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[principalKey]; ok {
		return sess
	}
	sess = &Session{}
	s.sessions[principalKey] = sess
	return sess
}

// Delete removes a principal's session, e.g. on explicit reset.
func (s *Store) Delete(principalKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, principalKey)
}
