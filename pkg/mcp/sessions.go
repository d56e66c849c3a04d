package mcp

import (
	"slices"
	"sync"
)

// SessionRegistry tracks which MCP sessions watch each tenant. A session
// starts watching a tenant the first time it calls a tool for it and keeps
// watching until it disconnects.
type SessionRegistry struct {
	mu       sync.RWMutex
	watchers map[string]map[string]struct{} // tenant -> session set
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{watchers: make(map[string]map[string]struct{})}
}

// Watch adds sessionID to the tenant's watchers.
func (r *SessionRegistry) Watch(tenantID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.watchers[tenantID]
	if !ok {
		set = make(map[string]struct{})
		r.watchers[tenantID] = set
	}
	set[sessionID] = struct{}{}
}

// Watchers returns the sessions watching tenantID in sorted order.
func (r *SessionRegistry) Watchers(tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.watchers[tenantID]))
	for sid := range r.watchers[tenantID] {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}

// Forget drops sessionID from every tenant it watched.
func (r *SessionRegistry) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, set := range r.watchers {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.watchers, tid)
		}
	}
}

// Tenants reports how many tenants have at least one watcher.
func (r *SessionRegistry) Tenants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.watchers)
}
