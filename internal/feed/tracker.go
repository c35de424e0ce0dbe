package feed

import (
	"sort"
	"sync"
	"time"

	"presencewatch/internal/engine"
	"presencewatch/internal/model"
)

var LevelHome = model.ActivityLevel{Key: "home", Label: "home", Color: "green"}

// Status is the presence shown for one transmitter UUID.
type Status struct {
	UUID  string              `json:"uuid"`
	State model.PresenceState `json:"state"`
	SD    float64             `json:"sd"`
	Level model.ActivityLevel `json:"level"`
	Time  time.Time           `json:"time"`
	ID    string              `json:"id"`
}

// Tracker folds persisted observations into the latest status per UUID.
type Tracker struct {
	mu     sync.RWMutex
	latest map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{latest: make(map[string]Status)}
}

// Apply records obs and returns the resulting status. Records with an
// unknown state label are ignored.
func (t *Tracker) Apply(obs model.Observation) (Status, bool) {
	state, ok := model.ParseState(string(obs.State))
	if !ok {
		return Status{}, false
	}
	st := Status{UUID: obs.UUID, State: state, SD: obs.SD, Time: obs.Time, ID: obs.ID}
	switch state {
	case model.StateEnter:
		st.Level = LevelHome
	case model.StateDwell:
		st.Level = engine.ClassifyActivity(obs.SD)
	case model.StateExit:
		st.Level = engine.LevelAway
	}
	t.mu.Lock()
	t.latest[obs.UUID] = st
	t.mu.Unlock()
	return st, true
}

func (t *Tracker) Get(uuid string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.latest[uuid]
	return st, ok
}

func (t *Tracker) Snapshot() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.latest))
	for _, st := range t.latest {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	t.latest = make(map[string]Status)
	t.mu.Unlock()
}
