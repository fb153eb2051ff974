package stream

import (
	"log"
	"sync"
)

// Supervisor guarantees exactly one live streaming session per process. The
// session is created lazily on first use and the supervisor is passed by
// reference to request-handling code, avoiding hidden global state.
type Supervisor struct {
	mu      sync.Mutex
	factory func() *Session
	session *Session
}

// NewSupervisor creates a supervisor around a session factory. The factory
// runs at most once per supervisor lifetime.
func NewSupervisor(factory func() *Session) *Supervisor {
	return &Supervisor{factory: factory}
}

// Session returns the singleton session, creating it on first call.
func (sv *Supervisor) Session() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if sv.session == nil {
		log.Printf("🚀 Creating streaming session")
		sv.session = sv.factory()
	}
	return sv.session
}

// Active reports whether a session has been created yet.
func (sv *Supervisor) Active() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.session != nil
}

// Shutdown closes the session if one was ever created. Idempotent.
func (sv *Supervisor) Shutdown() error {
	sv.mu.Lock()
	session := sv.session
	sv.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close()
}
