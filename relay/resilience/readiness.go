package resilience

import (
	"context"
	"log"
	"sync"
	"time"
)

// SessionState is the last known availability of one dependency session.
type SessionState struct {
	Available bool      `json:"available"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Readiness tracks availability of named dependency sessions (e.g. the log
// store's append and blocking-read connections). Unknown sessions are unavailable.
type Readiness struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
	onChange []func(name string, available bool)
}

// NewReadiness creates a tracker with no known sessions.
func NewReadiness() *Readiness {
	return &Readiness{
		sessions: make(map[string]*SessionState),
	}
}

// OnChange registers fn to be called after every availability transition.
func (r *Readiness) OnChange(fn func(name string, available bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// MarkAvailable flips the session to available and logs the transition.
func (r *Readiness) MarkAvailable(name string) {
	if r.IsAvailable(name) {
		return
	}

	r.mu.Lock()
	state, ok := r.sessions[name]
	if !ok {
		state = &SessionState{}
		r.sessions[name] = state
	}
	if state.Available {
		r.mu.Unlock()
		return
	}
	state.Available = true
	state.Since = time.Now()
	state.LastError = ""
	callbacks := r.onChange
	r.mu.Unlock()

	log.Printf("[READINESS] %s session connected and ready", name)
	for _, fn := range callbacks {
		fn(name, true)
	}
}

// MarkUnavailable flips the session to unavailable and records err.
func (r *Readiness) MarkUnavailable(name string, err error) {
	r.mu.Lock()
	state, ok := r.sessions[name]
	if !ok {
		state = &SessionState{Available: true}
		r.sessions[name] = state
	}
	if err != nil {
		state.LastError = err.Error()
	}
	if !state.Available {
		r.mu.Unlock()
		return
	}
	state.Available = false
	state.Since = time.Now()
	callbacks := r.onChange
	r.mu.Unlock()

	log.Printf("[READINESS] %s session unavailable: %v", name, err)
	for _, fn := range callbacks {
		fn(name, false)
	}
}

// IsAvailable reports whether the session is currently available.
func (r *Readiness) IsAvailable(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[name]
	return ok && state.Available
}

// HealthCheck returns a copy of every session's state.
func (r *Readiness) HealthCheck() map[string]SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]SessionState, len(r.sessions))
	for name, state := range r.sessions {
		out[name] = *state
	}
	return out
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
