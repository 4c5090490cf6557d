package multiplex

import (
	"context"
	"sync"

	"github.com/pairflow/pairflow/go/fault"
)

// Stub is an in-memory Mux for tests and for dry-run wiring.
type Stub struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     map[string][]string

	// FailSend, when set, makes SendText fail for the named session.
	FailSend map[string]bool
	// FailNew, when set, makes NewSession fail for the named session.
	FailNew map[string]bool
}

func NewStub() *Stub {
	return &Stub{
		sessions: map[string]bool{},
		sent:     map[string][]string{},
	}
}

func (s *Stub) HasSession(_ context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[name]
}

func (s *Stub) NewSession(_ context.Context, name, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNew[name] {
		return fault.New(fault.ExternalCommand, "stub: refusing to start session %s", name)
	}
	s.sessions[name] = true
	return nil
}

func (s *Stub) KillSession(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, name)
	return nil
}

func (s *Stub) SendText(_ context.Context, name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSend[name] {
		return fault.New(fault.ExternalCommand, "stub: send to session %s failed", name)
	}
	if !s.sessions[name] {
		return fault.New(fault.ExternalCommand, "stub: session %s does not exist", name)
	}
	s.sent[name] = append(s.sent[name], text)
	return nil
}

func (s *Stub) CapturePane(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sessions[name] {
		return "", fault.New(fault.ExternalCommand, "stub: session %s does not exist", name)
	}
	var lines = s.sent[name]
	if len(lines) == 0 {
		return "", nil
	}
	return lines[len(lines)-1], nil
}

// Sent returns the texts delivered to a session.
func (s *Stub) Sent(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent[name]...)
}

// SetAlive forces session liveness, mimicking an externally started or
// killed session.
func (s *Stub) SetAlive(name string, alive bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alive {
		s.sessions[name] = true
	} else {
		delete(s.sessions, name)
	}
}
