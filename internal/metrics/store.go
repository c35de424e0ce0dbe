package metrics

import (
	"sort"
	"sync"

	"presencewatch/internal/model"
)

// Store keeps the latest closed dwell window per subject.
type Store struct {
	mu        sync.RWMutex
	bySubject map[string]model.WindowStats
	windows   map[string]int
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		bySubject: make(map[string]model.WindowStats),
		windows:   make(map[string]int),
		limit:     limit,
	}
}

func (s *Store) Update(stats model.WindowStats) {
	if stats.Subject == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySubject[stats.Subject] = stats
	s.windows[stats.Subject]++
	if len(s.bySubject) > s.limit {
		s.evictOldest()
	}
}

// Get returns the latest window for subject and how many windows closed
// for it since the last Clear.
func (s *Store) Get(subject string) (model.WindowStats, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.bySubject[subject]
	return stats, s.windows[subject], ok
}

func (s *Store) GetAll() []model.WindowStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.WindowStats, 0, len(s.bySubject))
	for _, stats := range s.bySubject {
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}

func (s *Store) evictOldest() {
	var oldestSubject string
	var oldest model.WindowStats
	for subject, stats := range s.bySubject {
		if oldestSubject == "" || stats.UpdatedAt.Before(oldest.UpdatedAt) {
			oldestSubject = subject
			oldest = stats
		}
	}
	if oldestSubject != "" {
		delete(s.bySubject, oldestSubject)
		delete(s.windows, oldestSubject)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySubject = make(map[string]model.WindowStats)
	s.windows = make(map[string]int)
}
