package analysis

import (
	"context"
	"sync"
)

// Session runs at most one analysis at a time. Starting a new analysis
// cancels the previous one and waits until it stopped emitting, so a
// superseded stream never delivers after its successor started.
type Session struct {
	engine *Engine

	mu      sync.Mutex
	current *Analysis
}

func NewSession(engine *Engine) *Session {
	return &Session{engine: engine}
}

// Analyze supersedes the running analysis, if any, and starts a new one.
func (s *Session) Analyze(ctx context.Context, rawURL string) (*Analysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Cancel()
		s.current = nil
	}

	a, err := s.engine.Analyze(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	s.current = a

	return a, nil
}

// Close cancels the running analysis.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Cancel()
		s.current = nil
	}
}
