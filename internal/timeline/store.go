package timeline

import (
	"sync"
	"time"

	"presencewatch/internal/model"
)

// Store is a bounded ring of recently emitted observations. Entries carry
// the local emission time; the authoritative time is assigned downstream.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Observation
	limit int
	now   func() time.Time
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Add(obs model.Observation) {
	if obs.Time.IsZero() {
		obs.Time = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, obs)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = obs
}

func (s *Store) List(limit int) []model.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Observation, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Observation, 0)
	for _, o := range s.buf {
		if !o.Time.Before(ts) {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
