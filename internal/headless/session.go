package headless

import (
	"context"
	"sync"
)

const (
	maxUsesPaid   = 30
	maxUsesFree   = 10
	maxErrorScore = 2
)

// Session wraps one browser context with the usage and error budgets that
// decide when it is retired. Stealth scripts and request interception are
// installed once per session.
type Session struct {
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	id         int
	uses       int
	maxUses    int
	errorScore int
	retired    bool

	prepared bool // stealth + interception installed
}

func newSession(ctx context.Context, cancel context.CancelFunc, id int, paidMode bool) *Session {
	maxUses := maxUsesFree
	if paidMode {
		maxUses = maxUsesPaid
	}
	return &Session{ctx: ctx, cancel: cancel, id: id, maxUses: maxUses}
}

// Context returns the session's browser context
func (s *Session) Context() context.Context {
	return s.ctx
}

// Use consumes one navigation from the session budget
func (s *Session) Use() {
	s.mu.Lock()
	s.uses++
	s.mu.Unlock()
}

// AddError bumps the error score; the session retires at the cap
func (s *Session) AddError() {
	s.mu.Lock()
	s.errorScore++
	if s.errorScore >= maxErrorScore {
		s.retired = true
	}
	s.mu.Unlock()
}

// Retire marks the session bad immediately (403/429 responses)
func (s *Session) Retire() {
	s.mu.Lock()
	s.retired = true
	s.mu.Unlock()
}

// Exhausted reports whether the session should be replaced
func (s *Session) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired || s.uses >= s.maxUses
}

func (s *Session) close() {
	if s.cancel != nil {
		s.cancel()
	}
}
