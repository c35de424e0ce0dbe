package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/model"
)

func sampleAt(ms int64, rssi int) model.BeaconSample {
	return model.BeaconSample{
		Transmitter: model.TransmitterID{UUID: "2edb0100-022a-468c-a7cc-d3e066206d59", Major: 1, Minor: 2},
		RSSI:        rssi,
		TimeMs:      ms,
	}
}

func TestRangingBufferWindowBoundary(t *testing.T) {
	tests := []struct {
		name string
		last int64
		full bool
	}{
		{name: "under window", last: 9999, full: false},
		{name: "exactly window", last: 10000, full: false},
		{name: "over window", last: 10001, full: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewRangingBuffer(10 * time.Second)
			b.Add(sampleAt(0, -60))
			b.Add(sampleAt(tt.last, -61))
			assert.Equal(t, tt.full, b.WindowFull())
		})
	}
}

func TestRangingBufferEmptyIsNeverFull(t *testing.T) {
	b := NewRangingBuffer(time.Second)
	assert.False(t, b.WindowFull())
	b.Add(sampleAt(5, -60))
	assert.False(t, b.WindowFull())
}

func TestRangingBufferDrainEmpties(t *testing.T) {
	b := NewRangingBuffer(10 * time.Second)
	for i := int64(0); i < 5; i++ {
		b.Add(sampleAt(i*1000, -60))
	}
	batch := b.Drain()
	require.Len(t, batch, 5)
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Drain())

	b.Add(sampleAt(20000, -70))
	assert.Len(t, batch, 5, "drained batch must not alias the new window")
	assert.Equal(t, int64(0), batch[0].TimeMs)
}

func TestRangingBufferSetWindowKeepsSamples(t *testing.T) {
	b := NewRangingBuffer(10 * time.Second)
	b.Add(sampleAt(0, -60))
	b.Add(sampleAt(5000, -60))
	assert.False(t, b.WindowFull())
	b.SetWindow(4 * time.Second)
	assert.True(t, b.WindowFull())
	assert.Equal(t, 4*time.Second, b.Window())
	b.SetWindow(0)
	assert.Equal(t, 4*time.Second, b.Window())
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
