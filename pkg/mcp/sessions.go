package mcp

import "sync"

// SessionRegistry maps thread ids to the MCP sessions that started or resumed them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // threadID -> sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a thread with a session. The latest session wins.
func (r *SessionRegistry) Register(threadID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[threadID] = sessionID
}

// SessionFor returns the session watching threadID, if any.
func (r *SessionRegistry) SessionFor(threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[threadID]
	return sid, ok
}

// Remove deletes every thread mapping of the given session.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, tid)
		}
	}
}
