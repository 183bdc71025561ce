package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// StatsStore appends stat events to a slice and keeps running totals.
type StatsStore struct {
	mu     sync.RWMutex
	events []orchestrator.StatEvent
	stats  orchestrator.Stats
}

// NewStatsStore constructs an empty StatsStore.
func NewStatsStore() *StatsStore {
	return &StatsStore{}
}

// AppendStatEvent records evt.
func (s *StatsStore) AppendStatEvent(_ context.Context, evt orchestrator.StatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	switch evt.Kind {
	case orchestrator.StatVerificationSucceeded:
		s.stats.Total++
		s.stats.Success++
	case orchestrator.StatVerificationTechnical, orchestrator.StatVerificationPermanent:
		s.stats.Total++
		s.stats.Failed++
	}
	return nil
}

// Stats returns the aggregate verification counters.
func (s *StatsStore) Stats(context.Context) (orchestrator.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

// Events returns a copy of every event recorded for userID, or all events
// when userID is zero.
func (s *StatsStore) Events(userID int64) []orchestrator.StatEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orchestrator.StatEvent, 0, len(s.events))
	for _, evt := range s.events {
		if userID == 0 || evt.UserID == userID {
			out = append(out, evt)
		}
	}
	return out
}
