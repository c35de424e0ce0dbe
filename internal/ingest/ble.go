package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"presencewatch/internal/model"
	"presencewatch/internal/normalize"
)

type bleAdapter interface {
	Enable() error
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// BLEScanner ranges iBeacons with the local radio. It is both the ranging
// collaborator and an event source: region enter/exit are derived from
// sightings of the target UUID, and samples flow only while collecting.
type BLEScanner struct {
	adapter     bleAdapter
	out         chan<- model.Event
	exitTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	region     model.Region
	scanning   bool
	collecting bool
	present    bool
	lastSeen   time.Time
}

func NewBLEScanner(out chan<- model.Event, exitTimeout time.Duration, logger *slog.Logger) *BLEScanner {
	return newBLEScanner(bluetooth.DefaultAdapter, out, exitTimeout, logger)
}

func newBLEScanner(adapter bleAdapter, out chan<- model.Event, exitTimeout time.Duration, logger *slog.Logger) *BLEScanner {
	if exitTimeout <= 0 {
		exitTimeout = 10 * time.Second
	}
	return &BLEScanner{
		adapter:     adapter,
		out:         out,
		exitTimeout: exitTimeout,
		logger:      logger,
		now:         time.Now,
		ctx:         context.Background(),
	}
}

// Run binds the scanner to ctx. Scanning stops when ctx is done.
func (s *BLEScanner) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	go func() {
		ticker := time.NewTicker(s.exitTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.stopScan()
				return
			case <-ticker.C:
				s.checkExit()
			}
		}
	}()
}

func (s *BLEScanner) StartMonitoring(region model.Region) error {
	s.mu.Lock()
	if s.scanning {
		s.region = region
		s.present = false
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.adapter.Enable(); err != nil {
		return err
	}
	s.mu.Lock()
	s.region = region
	s.scanning = true
	s.mu.Unlock()

	go func() {
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, el := range result.ManufacturerData() {
				frame, err := ParseIBeacon(el.CompanyID, el.Data)
				if err != nil {
					continue
				}
				s.observe(frame, int(result.RSSI))
			}
		})
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		if err != nil && s.logger != nil {
			s.logger.Error("ble scan stopped", "err", err)
		}
	}()
	if s.logger != nil {
		s.logger.Info("ble scanning started", "uuid", region.UUID)
	}
	return nil
}

func (s *BLEScanner) StartCollecting(model.Region) error {
	s.mu.Lock()
	s.collecting = true
	s.mu.Unlock()
	return nil
}

// StopCollecting also forgets the current sighting, so a beacon still in
// range after a reset is reported as a fresh enter.
func (s *BLEScanner) StopCollecting(model.Region) error {
	s.mu.Lock()
	s.collecting = false
	s.present = false
	s.mu.Unlock()
	return nil
}

// observe handles one decoded advertisement.
func (s *BLEScanner) observe(frame IBeacon, rssi int) {
	s.mu.Lock()
	if !strings.EqualFold(frame.UUID, s.region.UUID) {
		s.mu.Unlock()
		return
	}
	now := s.now()
	s.lastSeen = now
	entered := !s.present
	collecting := s.collecting
	region := s.region
	ctx := s.ctx
	s.mu.Unlock()

	// present is only set once the enter is queued; a dropped enter is
	// retried on the next sighting.
	if entered && SendNonBlocking(ctx, s.out, model.Event{Kind: model.EventEnterRegion, RegionID: region.ID, Source: "ble"}, s.logger) {
		s.mu.Lock()
		s.present = true
		s.mu.Unlock()
	}
	if !collecting {
		return
	}
	sample := model.BeaconSample{
		Transmitter: model.TransmitterID{UUID: frame.UUID, Major: frame.Major, Minor: frame.Minor},
		RSSI:        rssi,
		Distance:    normalize.EstimateDistance(rssi, frame.TxPower),
		TxPower:     frame.TxPower,
		TimeMs:      now.UnixMilli(),
	}
	SendNonBlocking(ctx, s.out, model.Event{Kind: model.EventSample, Sample: &sample, Source: "ble"}, s.logger)
}

func (s *BLEScanner) checkExit() {
	s.mu.Lock()
	if !s.present || s.now().Sub(s.lastSeen) < s.exitTimeout {
		s.mu.Unlock()
		return
	}
	s.present = false
	region := s.region
	ctx := s.ctx
	s.mu.Unlock()
	SendNonBlocking(ctx, s.out, model.Event{Kind: model.EventExitRegion, RegionID: region.ID, Source: "ble"}, s.logger)
}

func (s *BLEScanner) stopScan() {
	s.mu.Lock()
	scanning := s.scanning
	s.mu.Unlock()
	if !scanning {
		return
	}
	if err := s.adapter.StopScan(); err != nil && !errors.Is(err, context.Canceled) && s.logger != nil {
		s.logger.Warn("ble stop scan failed", "err", err)
	}
}
