package console

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Factory builds an unbound session
type Factory func() *Session

// Sessions holds one Session per authenticated principal. A new session is
// bound to the principal's own clinician on first use.
type Sessions struct {
	factory Factory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessions creates an empty registry
func NewSessions(factory Factory, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Get returns the principal's session, creating and binding it to clinicianID
// if none exists yet.
func (r *Sessions) Get(ctx context.Context, principal, clinicianID string) (*Session, error) {
	if principal == "" {
		return nil, ErrNoClinician
	}
	r.mu.Lock()
	s, ok := r.sessions[principal]
	if !ok {
		s = r.factory()
		r.sessions[principal] = s
	}
	r.mu.Unlock()

	if !ok || s.ClinicianID() == "" {
		if err := s.SwitchClinician(ctx, clinicianID); err != nil {
			return nil, err
		}
		r.logger.Info("console session opened", zap.String("principal", principal))
	}
	return s, nil
}

// Close ends the principal's session
func (r *Sessions) Close(principal string) bool {
	r.mu.Lock()
	s, ok := r.sessions[principal]
	delete(r.sessions, principal)
	r.mu.Unlock()

	if ok {
		s.Close()
		r.logger.Info("console session closed", zap.String("principal", principal))
	}
	return ok
}

// Len returns the number of open sessions
func (r *Sessions) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CloseAll ends every session
func (r *Sessions) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
