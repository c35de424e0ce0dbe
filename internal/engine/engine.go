package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"presencewatch/internal/config"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/timeline"
)

var ErrInvalidPhase = errors.New("invalid lifecycle transition")

// Phase is the host lifecycle: Idle -> Created -> Connected <-> Disconnected.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCreated
	PhaseConnected
	PhaseDisconnected
)

func (p Phase) String() string {
	return [...]string{"idle", "created", "connected", "disconnected"}[p]
}

// Engine hosts the region monitor and feeds it events from the ingest
// channel on a single goroutine.
type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Store
	timeline *timeline.Store
	ranger   Ranger
	appender Appender
	cfg      atomic.Value
	matcher  atomic.Value
	region   model.Region

	mu      sync.Mutex
	phase   Phase
	monitor *Monitor
	deDupe  *DedupeCache
	started time.Time

	events     atomic.Int64
	accepted   atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	emitted    atomic.Int64
}

type Status struct {
	Phase      string       `json:"phase"`
	Region     model.Region `json:"region"`
	State      string       `json:"state"`
	Buffered   int          `json:"buffered"`
	Window     string       `json:"window"`
	Events     int64        `json:"events"`
	Accepted   int64        `json:"samples_accepted"`
	Rejected   int64        `json:"samples_rejected"`
	Duplicates int64        `json:"samples_duplicate"`
	Emitted    int64        `json:"observations_emitted"`
	Started    time.Time    `json:"started"`
}

func NewEngine(cfg *config.Config, logger *slog.Logger, metricsStore *metrics.Store, timelineStore *timeline.Store, ranger Ranger, appender Appender) *Engine {
	e := &Engine{
		logger:   logger,
		metrics:  metricsStore,
		timeline: timelineStore,
		ranger:   ranger,
		appender: appender,
		region:   model.Region{ID: cfg.Region.Identifier, UUID: normalizeUUID(cfg.Region.TargetUUID)},
		deDupe:   NewDedupeCache(),
		started:  time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.matcher.Store(e.pinnedMatcher(cfg))
	return e
}

// pinnedMatcher keeps the matcher pinned to the region the monitor was
// built for.
func (e *Engine) pinnedMatcher(cfg *config.Config) *RegionMatcher {
	m := buildMatcher(cfg)
	m.UUID = e.region.UUID
	return m
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) regionMatcher() *RegionMatcher {
	if v := e.matcher.Load(); v != nil {
		if m, ok := v.(*RegionMatcher); ok {
			return m
		}
	}
	return nil
}

// Create builds the monitor for the configured region.
func (e *Engine) Create() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseIdle {
		return fmt.Errorf("create from %s: %w", e.phase, ErrInvalidPhase)
	}
	e.monitor = NewMonitor(e.region, e.config().Ranging.Window, e.ranger, e, e.logger)
	e.monitor.OnDwell(e.recordDwell)
	e.phase = PhaseCreated
	return nil
}

// Connect binds to the ranging collaborator and starts region monitoring.
// A monitoring failure is returned for reporting only: the engine is
// connected and the monitor stays OUTSIDE.
func (e *Engine) Connect() error {
	e.mu.Lock()
	if e.phase != PhaseCreated && e.phase != PhaseDisconnected {
		phase := e.phase
		e.mu.Unlock()
		return fmt.Errorf("connect from %s: %w", phase, ErrInvalidPhase)
	}
	reconnect := e.phase == PhaseDisconnected
	e.phase = PhaseConnected
	mon := e.monitor
	e.mu.Unlock()

	if err := mon.StartMonitoring(); err != nil {
		return fmt.Errorf("start monitoring %s: %w", e.region.ID, err)
	}
	if reconnect {
		mon.Resume()
	}
	return nil
}

// Disconnect unbinds from the collaborator. The open window is dropped and
// no EXIT is emitted.
func (e *Engine) Disconnect() error {
	e.mu.Lock()
	if e.phase != PhaseConnected {
		phase := e.phase
		e.mu.Unlock()
		return fmt.Errorf("disconnect from %s: %w", phase, ErrInvalidPhase)
	}
	e.phase = PhaseDisconnected
	mon := e.monitor
	e.mu.Unlock()
	mon.Release()
	if e.logger != nil {
		e.logger.Info("disconnected from ranging collaborator", "region", e.region.ID)
	}
	return nil
}

func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Engine) Monitor() *Monitor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.monitor
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	go func() {
		for {
			select {
			case ev, ok := <-in:
				if !ok {
					return
				}
				if err := e.ProcessEvent(ev); err != nil && e.logger != nil {
					e.logger.Warn("event rejected", "kind", ev.Kind, "source", ev.Source, "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProcessEvent routes one collaborator event to the monitor. Events that
// arrive while not connected are dropped.
func (e *Engine) ProcessEvent(ev model.Event) error {
	e.events.Add(1)
	mon := e.connectedMonitor()
	if mon == nil {
		return nil
	}
	switch ev.Kind {
	case model.EventEnterRegion:
		mon.EnterRegion(ev.RegionID)
	case model.EventExitRegion:
		mon.ExitRegion(ev.RegionID)
	case model.EventStateDetermined:
		mon.StateDetermined(ev.Inside, ev.RegionID)
	case model.EventSample:
		if ev.Sample == nil {
			return errors.New("sample event without sample")
		}
		e.processSample(mon, *ev.Sample)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

func (e *Engine) processSample(mon *Monitor, sample model.BeaconSample) {
	if !e.regionMatcher().Accept(sample.Transmitter) {
		e.rejected.Add(1)
		return
	}
	if e.isDuplicate(sample, e.config().Ranging.DedupeWindow) {
		e.duplicates.Add(1)
		return
	}
	e.accepted.Add(1)
	sample.Transmitter.UUID = normalizeUUID(sample.Transmitter.UUID)
	mon.SampleReceived(sample)
}

func (e *Engine) connectedMonitor() *Monitor {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != PhaseConnected {
		return nil
	}
	return e.monitor
}

// Append records the observation locally and forwards it to the store.
func (e *Engine) Append(obs model.Observation) {
	e.emitted.Add(1)
	if e.timeline != nil {
		e.timeline.Add(obs)
	}
	if e.appender != nil {
		e.appender.Append(obs)
	}
}

func (e *Engine) recordDwell(stats model.WindowStats) {
	if e.metrics != nil {
		e.metrics.Update(stats)
	}
}

// UpdateConfig applies window, dedupe and matcher changes. The monitored
// region is fixed for the life of the process.
func (e *Engine) UpdateConfig(cfg *config.Config) {
	if normalizeUUID(cfg.Region.TargetUUID) != e.region.UUID && e.logger != nil {
		e.logger.Warn("region target change ignored until restart",
			"current", e.region.UUID,
			"requested", cfg.Region.TargetUUID,
		)
	}
	e.cfg.Store(cfg)
	e.matcher.Store(e.pinnedMatcher(cfg))
	if mon := e.Monitor(); mon != nil {
		mon.SetWindow(cfg.Ranging.Window)
	}
}

func (e *Engine) Reset() {
	if mon := e.Monitor(); mon != nil {
		mon.Reset()
	}
	e.mu.Lock()
	e.deDupe = NewDedupeCache()
	e.mu.Unlock()
}

func (e *Engine) Status() Status {
	st := Status{
		Phase:      e.Phase().String(),
		Region:     e.region,
		State:      model.Outside.String(),
		Window:     e.config().Ranging.Window.String(),
		Events:     e.events.Load(),
		Accepted:   e.accepted.Load(),
		Rejected:   e.rejected.Load(),
		Duplicates: e.duplicates.Load(),
		Emitted:    e.emitted.Load(),
		Started:    e.started,
	}
	if mon := e.Monitor(); mon != nil {
		st.State = mon.State().String()
		st.Buffered = mon.Buffered()
	}
	return st
}

func (e *Engine) isDuplicate(sample model.BeaconSample, dedupeWindow time.Duration) bool {
	if dedupeWindow <= 0 {
		return false
	}
	e.mu.Lock()
	cache := e.deDupe
	e.mu.Unlock()
	return cache.Seen(sample, time.Now().UTC(), dedupeWindow)
}
