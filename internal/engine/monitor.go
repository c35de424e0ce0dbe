package engine

import (
	"log/slog"
	"sync"
	"time"

	"presencewatch/internal/model"
)

// Ranger is the ranging/monitoring collaborator. Monitor asks it to start
// and stop supplying samples for the region.
type Ranger interface {
	StartMonitoring(region model.Region) error
	StartCollecting(region model.Region) error
	StopCollecting(region model.Region) error
}

// Appender is the document-store collaborator. Append must not block and
// reports nothing back.
type Appender interface {
	Append(obs model.Observation)
}

// DwellHook receives the summary of every closed dwell window.
type DwellHook func(stats model.WindowStats)

// Monitor is the region presence state machine. All transitions run under
// one lock, so add, window check and drain happen as one step.
type Monitor struct {
	mu       sync.Mutex
	region   model.Region
	state    model.RegionState
	buffer   *RangingBuffer
	ranger   Ranger
	appender Appender
	logger   *slog.Logger
	onDwell  DwellHook
}

func NewMonitor(region model.Region, window time.Duration, ranger Ranger, appender Appender, logger *slog.Logger) *Monitor {
	return &Monitor{
		region:   region,
		state:    model.Outside,
		buffer:   NewRangingBuffer(window),
		ranger:   ranger,
		appender: appender,
		logger:   logger,
	}
}

func (m *Monitor) OnDwell(hook DwellHook) {
	m.mu.Lock()
	m.onDwell = hook
	m.mu.Unlock()
}

func (m *Monitor) Region() model.Region {
	return m.region
}

func (m *Monitor) State() model.RegionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Buffered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buffer.Len()
}

func (m *Monitor) SetWindow(window time.Duration) {
	m.mu.Lock()
	m.buffer.SetWindow(window)
	m.mu.Unlock()
}

// StartMonitoring asks the collaborator to begin region monitoring. A
// failure is logged and leaves the monitor OUTSIDE.
func (m *Monitor) StartMonitoring() error {
	if m.ranger == nil {
		return nil
	}
	if err := m.ranger.StartMonitoring(m.region); err != nil {
		if m.logger != nil {
			m.logger.Error("start monitoring failed", "region", m.region.ID, "uuid", m.region.UUID, "err", err)
		}
		return err
	}
	if m.logger != nil {
		m.logger.Info("monitoring started", "region", m.region.ID, "uuid", m.region.UUID)
	}
	return nil
}

func (m *Monitor) EnterRegion(regionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.region.Matches(regionID) {
		m.debug("enter for foreign region ignored", "region_id", regionID)
		return
	}
	m.enterLocked(m.region.UUID)
}

// StateDetermined only acts on inside. Leaving is reported through
// ExitRegion.
func (m *Monitor) StateDetermined(inside bool, regionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.region.Matches(regionID) {
		m.debug("state for foreign region ignored", "region_id", regionID)
		return
	}
	if !inside {
		m.debug("outside state determination ignored", "state", m.state.String())
		return
	}
	m.enterLocked(m.region.UUID)
}

func (m *Monitor) ExitRegion(regionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.region.Matches(regionID) {
		m.debug("exit for foreign region ignored", "region_id", regionID)
		return
	}
	if m.state != model.Inside {
		m.debug("exit while outside ignored")
		return
	}
	m.state = model.Outside
	discarded := m.buffer.Len()
	m.buffer.Reset()
	m.emit(model.Observation{UUID: m.region.UUID, State: model.StateExit})
	if m.logger != nil {
		m.logger.Info("region exited", "region", m.region.ID, "discarded_samples", discarded)
	}
	if m.ranger != nil {
		if err := m.ranger.StopCollecting(m.region); err != nil && m.logger != nil {
			m.logger.Warn("stop collecting failed", "region", m.region.ID, "err", err)
		}
	}
}

// SampleReceived buffers a sample while INSIDE and emits a DWELL
// observation once the window is full. It returns the observation when one
// was emitted.
func (m *Monitor) SampleReceived(sample model.BeaconSample) (model.Observation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.Inside {
		m.debug("sample while outside ignored", "transmitter", sample.Transmitter.String())
		return model.Observation{}, false
	}
	m.buffer.Add(sample)
	if !m.buffer.WindowFull() {
		return model.Observation{}, false
	}
	batch := m.buffer.Drain()
	score, err := ComputeVariability(batch)
	if err != nil {
		return model.Observation{}, false
	}
	obs := model.Observation{UUID: batch[0].Transmitter.UUID, State: model.StateDwell, SD: score}
	m.emit(obs)
	stats := model.WindowStats{
		Subject:   obs.UUID,
		Samples:   len(batch),
		SpanMs:    batch[len(batch)-1].TimeMs - batch[0].TimeMs,
		MeanRSSI:  meanRSSI(batch),
		Score:     score,
		Level:     ClassifyActivity(score),
		UpdatedAt: time.Now().UTC(),
	}
	if m.logger != nil {
		m.logger.Info("dwell window closed",
			"subject", stats.Subject,
			"samples", stats.Samples,
			"span_ms", stats.SpanMs,
			"sd", score,
			"level", stats.Level.Key,
		)
	}
	if m.onDwell != nil {
		m.onDwell(stats)
	}
	return obs, true
}

// Release stops collection and drops the open window without emitting an
// EXIT. The region state is kept: unbinding from the collaborator is not a
// region exit.
func (m *Monitor) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer.Reset()
	if m.state != model.Inside || m.ranger == nil {
		return
	}
	if err := m.ranger.StopCollecting(m.region); err != nil && m.logger != nil {
		m.logger.Warn("stop collecting failed", "region", m.region.ID, "err", err)
	}
}

// Resume restarts collection after a reconnect when the region is still
// occupied.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != model.Inside || m.ranger == nil {
		return
	}
	if err := m.ranger.StartCollecting(m.region); err != nil && m.logger != nil {
		m.logger.Warn("start collecting failed", "region", m.region.ID, "err", err)
	}
}

// Reset forces the monitor back to OUTSIDE without emitting anything.
// Collection is stopped so the next sighting is reported as an enter.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffer.Reset()
	wasInside := m.state == model.Inside
	m.state = model.Outside
	if !wasInside || m.ranger == nil {
		return
	}
	if err := m.ranger.StopCollecting(m.region); err != nil && m.logger != nil {
		m.logger.Warn("stop collecting failed", "region", m.region.ID, "err", err)
	}
}

func (m *Monitor) enterLocked(subject string) {
	if m.state == model.Inside {
		m.debug("enter while inside ignored")
		return
	}
	m.state = model.Inside
	m.buffer.Reset()
	m.emit(model.Observation{UUID: subject, State: model.StateEnter})
	if m.logger != nil {
		m.logger.Info("region entered", "region", m.region.ID, "uuid", subject)
	}
	if m.ranger != nil {
		if err := m.ranger.StartCollecting(m.region); err != nil && m.logger != nil {
			m.logger.Warn("start collecting failed", "region", m.region.ID, "err", err)
		}
	}
}

func (m *Monitor) emit(obs model.Observation) {
	if m.appender != nil {
		m.appender.Append(obs)
	}
}

func (m *Monitor) debug(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, args...)
	}
}
