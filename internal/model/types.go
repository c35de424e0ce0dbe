package model

import (
	"strconv"
	"strings"
	"time"
)

type PresenceState string

const (
	StateEnter PresenceState = "ENTER"
	StateDwell PresenceState = "DWELL"
	StateExit  PresenceState = "EXIT"
)

// ParseState accepts the persisted state labels only. Anything else is
// reported as unknown so read-side consumers can skip it.
func ParseState(label string) (PresenceState, bool) {
	switch PresenceState(strings.TrimSpace(label)) {
	case StateEnter:
		return StateEnter, true
	case StateDwell:
		return StateDwell, true
	case StateExit:
		return StateExit, true
	}
	return "", false
}

type RegionState int

const (
	Outside RegionState = iota
	Inside
)

func (s RegionState) String() string {
	if s == Inside {
		return "INSIDE"
	}
	return "OUTSIDE"
}

type Region struct {
	ID   string `json:"id"`
	UUID string `json:"uuid"`
}

// Matches reports whether a collaborator-supplied region id refers to r.
// An empty id is treated as the single monitored region.
func (r Region) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return true
	}
	return strings.EqualFold(id, r.ID) || strings.EqualFold(id, r.UUID)
}

type TransmitterID struct {
	UUID  string `json:"uuid"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

func (t TransmitterID) String() string {
	return t.UUID + ":" + strconv.Itoa(t.Major) + ":" + strconv.Itoa(t.Minor)
}

type BeaconSample struct {
	Transmitter TransmitterID `json:"transmitter"`
	RSSI        int           `json:"rssi"`
	Distance    float64       `json:"distance"`
	TxPower     int           `json:"tx_power"`
	TimeMs      int64         `json:"time_ms"`
}

// Observation is one record written to the document store. Time is zero
// until the store assigns it.
type Observation struct {
	ID    string        `json:"id,omitempty"`
	UUID  string        `json:"uuid"`
	Time  time.Time     `json:"time"`
	State PresenceState `json:"state"`
	SD    float64       `json:"sd"`
}

type ActivityLevel struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Color string `json:"color"`
}

type EventKind string

const (
	EventEnterRegion     EventKind = "enter_region"
	EventExitRegion      EventKind = "exit_region"
	EventStateDetermined EventKind = "state_determined"
	EventSample          EventKind = "sample"
)

type Event struct {
	Kind     EventKind     `json:"kind"`
	RegionID string        `json:"region_id,omitempty"`
	Inside   bool          `json:"inside,omitempty"`
	Sample   *BeaconSample `json:"sample,omitempty"`
	Source   string        `json:"source,omitempty"`
	Raw      string        `json:"raw,omitempty"`
}

type WindowStats struct {
	Subject   string        `json:"subject"`
	Samples   int           `json:"samples"`
	SpanMs    int64         `json:"span_ms"`
	MeanRSSI  float64       `json:"mean_rssi"`
	Score     float64       `json:"score"`
	Level     ActivityLevel `json:"level"`
	UpdatedAt time.Time     `json:"updated_at"`
}
