// Package session tracks which asynchronous work is still relevant to the running
// client. Every continuation captures a Token or (contextID, epoch) pair when it
// is scheduled and re-checks it before touching shared state; a failed check is a
// silent no-op.
package session

import "sync"

// Token identifies one connect attempt inside one epoch.
type Token struct {
	Attempt uint64
	Epoch   uint64
}

type Guard struct {
	mu      sync.RWMutex
	epoch   uint64
	attempt uint64
	active  *Context
}

func NewGuard() *Guard { return &Guard{} }

// BeginAttempt supersedes any earlier attempt of the current epoch.
func (g *Guard) BeginAttempt() Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attempt++
	return Token{Attempt: g.attempt, Epoch: g.epoch}
}

func (g *Guard) AttemptActive(t Token) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.attemptActiveLocked(t)
}

func (g *Guard) attemptActiveLocked(t Token) bool {
	return t.Attempt == g.attempt && t.Epoch == g.epoch
}

func (g *Guard) ContextActive(contextID string, epoch uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.contextActiveLocked(contextID, epoch)
}

func (g *Guard) contextActiveLocked(contextID string, epoch uint64) bool {
	return g.active != nil && g.active.ID == contextID && epoch == g.epoch && g.active.Epoch == epoch
}

// BumpEpoch invalidates every captured token and context.
func (g *Guard) BumpEpoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	return g.epoch
}

// Teardown bumps the epoch first and then clears the active context, returning it
// so the caller can release what it opened.
func (g *Guard) Teardown() (*Context, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epoch++
	prev := g.active
	g.active = nil
	return prev, g.epoch
}

func (g *Guard) Epoch() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.epoch
}

// Activate installs c as the single active context when the attempt that built it
// is still current. It reports false, leaving state untouched, otherwise.
func (g *Guard) Activate(t Token, c *Context) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c == nil || !g.attemptActiveLocked(t) || c.Epoch != g.epoch {
		return false
	}
	g.active = c
	return true
}

// Active returns a copy of the active context.
func (g *Guard) Active() (Context, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.active == nil {
		return Context{}, false
	}
	return *g.active, true
}

// WithContext runs fn only while the context is active. The epoch cannot move
// while fn runs, so fn must not call back into the guard.
func (g *Guard) WithContext(contextID string, epoch uint64, fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.contextActiveLocked(contextID, epoch) {
		return false
	}
	fn()
	return true
}

// WithAttempt is WithContext for connect attempts.
func (g *Guard) WithAttempt(t Token, fn func()) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.attemptActiveLocked(t) {
		return false
	}
	fn()
	return true
}
