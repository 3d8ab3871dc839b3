package rules

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Provider hands out immutable rule set snapshots.
type Provider interface {
	// Current returns the latest snapshot. It may be nil before the first load.
	Current() *Set
	// Subscribe delivers each new snapshot until ctx is done. Slow subscribers
	// only ever see the latest snapshot.
	Subscribe(ctx context.Context) <-chan *Set
}

// Store is a Provider backed by an atomic pointer. Replacing the set never
// affects analyses that already took a snapshot.
type Store struct {
	current atomic.Pointer[Set]
	logger  *zerolog.Logger

	mu     sync.Mutex
	subs   map[int]chan *Set
	nextID int
}

// NewStore creates a store seeded with initial (which may be nil).
func NewStore(initial *Set, logger *zerolog.Logger) *Store {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	s := &Store{
		logger: logger,
		subs:   make(map[int]chan *Set),
	}

	if initial != nil {
		s.current.Store(initial)
	}

	return s
}

func (s *Store) Current() *Set {
	return s.current.Load()
}

// Replace swaps in a new snapshot and notifies subscribers.
func (s *Store) Replace(set *Set) {
	if set == nil {
		return
	}

	s.current.Store(set)

	s.logger.Info().
		Str(logKeySource, set.Source).
		Str(logKeyVersion, set.Version).
		Int(logKeyCount, set.Len()).
		Msg("rule set replaced")

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subs {
		offerLatest(ch, set)
	}
}

func (s *Store) Subscribe(ctx context.Context) <-chan *Set {
	ch := make(chan *Set, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()

		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// offerLatest replaces any undelivered snapshot in ch with set.
// Callers hold the store mutex, so ch has no other writer.
func offerLatest(ch chan *Set, set *Set) {
	select {
	case ch <- set:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- set:
	default:
	}
}
