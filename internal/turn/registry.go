package turn

import (
	"context"
	"strings"
	"sync"
)

// SessionRegistry owns the ambient mutable state of the orchestrator
// instance: per-session todo lists, the always-allow permission memo, the
// pending-question table, and the active per-session cancellation tokens.
//
// The always-allow memo is deliberately instance-wide, not per session; a
// decision granted in one session applies to every session served by this
// registry for its lifetime.
type SessionRegistry struct {
	mu          sync.Mutex
	todos       map[string][]TodoItem
	memo        map[string]struct{}
	cancels     map[string]*turnToken
	autoApprove map[string]bool
}

// turnToken wraps a turn's cancel func so release can match its own
// registration by identity.
type turnToken struct {
	cancel context.CancelFunc
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		todos:       make(map[string][]TodoItem),
		memo:        make(map[string]struct{}),
		cancels:     make(map[string]*turnToken),
		autoApprove: make(map[string]bool),
	}
}

// BeginTurn derives the cancellation token for a new turn of the given
// session. A previous active turn for the same session is cancelled;
// other sessions' tokens are untouched. The returned release func discards
// the token and must be called when the turn ends.
func (r *SessionRegistry) BeginTurn(ctx context.Context, sessionID string) (context.Context, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return ctx, func() {}
	}
	turnCtx, cancel := context.WithCancel(ctx)
	tok := &turnToken{cancel: cancel}

	r.mu.Lock()
	if prev := r.cancels[sessionID]; prev != nil {
		prev.cancel()
	}
	r.cancels[sessionID] = tok
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		if r.cancels[sessionID] == tok {
			delete(r.cancels, sessionID)
		}
		r.mu.Unlock()
		cancel()
	}
	return turnCtx, release
}

// CancelTurn triggers the active cancellation token for a session, if any.
func (r *SessionRegistry) CancelTurn(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return
	}
	r.mu.Lock()
	tok := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	r.mu.Unlock()
	if tok != nil {
		tok.cancel()
	}
}

// Todos returns a copy of the session's todo list.
func (r *SessionRegistry) Todos(sessionID string) []TodoItem {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	items := r.todos[sessionID]
	out := make([]TodoItem, len(items))
	copy(out, items)
	return out
}

// ReplaceTodos swaps the session's todo list with the given items.
func (r *SessionRegistry) ReplaceTodos(sessionID string, items []TodoItem) {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return
	}
	stored := make([]TodoItem, len(items))
	copy(stored, items)
	r.mu.Lock()
	r.todos[sessionID] = stored
	r.mu.Unlock()
}

// SetAutoApprove records the session's auto-approve flag for the gate.
func (r *SessionRegistry) SetAutoApprove(sessionID string, on bool) {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return
	}
	r.mu.Lock()
	if on {
		r.autoApprove[sessionID] = true
	} else {
		delete(r.autoApprove, sessionID)
	}
	r.mu.Unlock()
}

// AutoApproved reports whether the session bypasses permission prompts.
func (r *SessionRegistry) AutoApproved(sessionID string) bool {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.autoApprove[sessionID]
}

// AlwaysAllowed reports whether a permission category was memoized.
func (r *SessionRegistry) AlwaysAllowed(category string) bool {
	category = strings.TrimSpace(category)
	if r == nil || category == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.memo[category]
	return ok
}

// MemoizeAlwaysAllow persists an allow_always decision for the registry's
// lifetime.
func (r *SessionRegistry) MemoizeAlwaysAllow(category string) {
	category = strings.TrimSpace(category)
	if r == nil || category == "" {
		return
	}
	r.mu.Lock()
	r.memo[category] = struct{}{}
	r.mu.Unlock()
}

// DeleteSession drops all per-session state: todos and any active
// cancellation token. The always-allow memo is instance-wide and survives.
func (r *SessionRegistry) DeleteSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if r == nil || sessionID == "" {
		return
	}
	r.mu.Lock()
	delete(r.todos, sessionID)
	delete(r.autoApprove, sessionID)
	tok := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	r.mu.Unlock()
	if tok != nil {
		tok.cancel()
	}
}
