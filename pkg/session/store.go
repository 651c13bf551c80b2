package session

import (
	"sync"
)

// Store holds the single active playback session plus the session-global
// counters. Readers must tolerate a nil session (nothing playing) and a
// partially classified one (Kind == KindNone) by falling back to
// passthrough.
type Store struct {
	mu      sync.RWMutex
	current *Session

	errCount int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Current returns the active session, or nil.
func (st *Store) Current() *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Replace installs a new session (new playback). The consecutive-error
// counter is left alone so a persistently broken source eventually forces a
// hard stop across playbacks.
func (st *Store) Replace(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.current = s
}

// FailureCount increments and returns the consecutive-error counter.
func (st *Store) FailureCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errCount++
	return st.errCount
}

// ResetFailures clears the counter after a successful playback start.
func (st *Store) ResetFailures() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errCount = 0
}

// Failures returns the counter without incrementing.
func (st *Store) Failures() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.errCount
}
