package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/model"
)

func TestStoreUpdateAndGet(t *testing.T) {
	s := NewStore(10)
	s.Update(model.WindowStats{Subject: "b", Score: 2, UpdatedAt: time.Now()})
	s.Update(model.WindowStats{Subject: "a", Score: 4, UpdatedAt: time.Now()})
	s.Update(model.WindowStats{Subject: "a", Score: 6, UpdatedAt: time.Now()})
	s.Update(model.WindowStats{Score: 1})

	stats, windows, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 6.0, stats.Score)
	assert.Equal(t, 2, windows)

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Subject)
	assert.Equal(t, "b", all[1].Subject)
}

func TestStoreEvictsOldestSubject(t *testing.T) {
	s := NewStore(2)
	now := time.Now()
	s.Update(model.WindowStats{Subject: "old", UpdatedAt: now.Add(-time.Hour)})
	s.Update(model.WindowStats{Subject: "mid", UpdatedAt: now.Add(-time.Minute)})
	s.Update(model.WindowStats{Subject: "new", UpdatedAt: now})

	_, _, ok := s.Get("old")
	assert.False(t, ok)
	assert.Len(t, s.GetAll(), 2)

	s.Clear()
	assert.Empty(t, s.GetAll())
}
