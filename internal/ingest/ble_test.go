package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"presencewatch/internal/model"
)

type fakeAdapter struct {
	enableErr error
	scanned   chan struct{}
}

func (f *fakeAdapter) Enable() error { return f.enableErr }

func (f *fakeAdapter) Scan(func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	if f.scanned != nil {
		close(f.scanned)
	}
	return nil
}

func (f *fakeAdapter) StopScan() error { return nil }

const targetUUID = "2edb0100-022a-468c-a7cc-d3e066206d59"

func drain(out chan model.Event) []model.Event {
	var events []model.Event
	for {
		select {
		case ev := <-out:
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestBLEScannerEnableFailurePropagates(t *testing.T) {
	out := make(chan model.Event, 4)
	s := newBLEScanner(&fakeAdapter{enableErr: errors.New("adapter powered off")}, out, time.Second, nil)
	err := s.StartMonitoring(model.Region{ID: "home", UUID: targetUUID})
	assert.EqualError(t, err, "adapter powered off")
	assert.Empty(t, drain(out))
}

func TestBLEScannerDerivesRegionEvents(t *testing.T) {
	out := make(chan model.Event, 16)
	adapter := &fakeAdapter{scanned: make(chan struct{})}
	s := newBLEScanner(adapter, out, 10*time.Second, nil)
	now := time.UnixMilli(1_760_000_000_000)
	s.now = func() time.Time { return now }
	require.NoError(t, s.StartMonitoring(model.Region{ID: "home", UUID: targetUUID}))
	<-adapter.scanned

	s.observe(IBeacon{UUID: "f7826da6-4fa2-4e98-8024-bc5b71e0893e"}, -50)
	s.observe(IBeacon{UUID: targetUUID, Major: 1, Minor: 2, TxPower: -59}, -60)
	events := drain(out)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventEnterRegion, events[0].Kind)
	assert.Equal(t, "home", events[0].RegionID)

	require.NoError(t, s.StartCollecting(model.Region{}))
	now = now.Add(time.Second)
	s.observe(IBeacon{UUID: targetUUID, Major: 1, Minor: 2, TxPower: -59}, -62)
	events = drain(out)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Sample)
	assert.Equal(t, -62, events[0].Sample.RSSI)
	assert.Equal(t, now.UnixMilli(), events[0].Sample.TimeMs)
	assert.Equal(t, "ble", events[0].Source)

	now = now.Add(5 * time.Second)
	s.checkExit()
	assert.Empty(t, drain(out))

	now = now.Add(6 * time.Second)
	s.checkExit()
	events = drain(out)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventExitRegion, events[0].Kind)

	s.checkExit()
	assert.Empty(t, drain(out))
}

func TestBLEScannerReentersAfterStopCollecting(t *testing.T) {
	out := make(chan model.Event, 16)
	adapter := &fakeAdapter{scanned: make(chan struct{})}
	s := newBLEScanner(adapter, out, 10*time.Second, nil)
	now := time.UnixMilli(1_760_000_000_000)
	s.now = func() time.Time { return now }
	require.NoError(t, s.StartMonitoring(model.Region{ID: "home", UUID: targetUUID}))
	<-adapter.scanned

	beacon := IBeacon{UUID: targetUUID, Major: 1, Minor: 2, TxPower: -59}
	s.observe(beacon, -60)
	require.NoError(t, s.StartCollecting(model.Region{}))
	s.observe(beacon, -61)
	events := drain(out)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventEnterRegion, events[0].Kind)
	assert.Equal(t, model.EventSample, events[1].Kind)

	require.NoError(t, s.StopCollecting(model.Region{}))
	now = now.Add(time.Second)
	s.observe(beacon, -62)
	events = drain(out)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventEnterRegion, events[0].Kind)
}

func TestBLEScannerRetriesDroppedEnter(t *testing.T) {
	out := make(chan model.Event, 1)
	adapter := &fakeAdapter{scanned: make(chan struct{})}
	s := newBLEScanner(adapter, out, 10*time.Second, nil)
	require.NoError(t, s.StartMonitoring(model.Region{ID: "home", UUID: targetUUID}))
	<-adapter.scanned

	out <- model.Event{Kind: model.EventSample}
	beacon := IBeacon{UUID: targetUUID, Major: 1, Minor: 2, TxPower: -59}
	s.observe(beacon, -60)
	events := drain(out)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSample, events[0].Kind)

	s.observe(beacon, -60)
	events = drain(out)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventEnterRegion, events[0].Kind)

	s.observe(beacon, -60)
	assert.Empty(t, drain(out))
}
