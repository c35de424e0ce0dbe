package engine

import (
	"time"

	"presencewatch/internal/model"
)

// RangingBuffer holds the samples of the dwell window that is currently
// open. It is not safe for concurrent use; Monitor serializes access.
type RangingBuffer struct {
	windowMs int64
	samples  []model.BeaconSample
}

func NewRangingBuffer(window time.Duration) *RangingBuffer {
	return &RangingBuffer{
		windowMs: window.Milliseconds(),
		samples:  make([]model.BeaconSample, 0, 64),
	}
}

func (b *RangingBuffer) Add(sample model.BeaconSample) {
	b.samples = append(b.samples, sample)
}

// WindowFull reports whether the buffered samples span strictly more than
// the window. Sample count plays no part.
func (b *RangingBuffer) WindowFull() bool {
	if len(b.samples) == 0 {
		return false
	}
	first := b.samples[0].TimeMs
	last := b.samples[len(b.samples)-1].TimeMs
	return last-first > b.windowMs
}

func (b *RangingBuffer) Drain() []model.BeaconSample {
	out := b.samples
	b.samples = make([]model.BeaconSample, 0, cap(out))
	return out
}

func (b *RangingBuffer) Reset() {
	b.samples = b.samples[:0]
}

func (b *RangingBuffer) Len() int {
	return len(b.samples)
}

func (b *RangingBuffer) Window() time.Duration {
	return time.Duration(b.windowMs) * time.Millisecond
}

// SetWindow changes the flush threshold for subsequent checks. Buffered
// samples are kept.
func (b *RangingBuffer) SetWindow(window time.Duration) {
	if window > 0 {
		b.windowMs = window.Milliseconds()
	}
}
