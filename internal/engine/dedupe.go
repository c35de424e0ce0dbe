package engine

import (
	"strings"
	"sync"
	"time"

	"presencewatch/internal/model"
)

const dedupeMaxEntries = 10000

// sampleKey identifies one detection. The same advertisement relayed by two
// gateways carries the same transmitter, timestamp and rssi.
type sampleKey struct {
	uuid   string
	major  int
	minor  int
	timeMs int64
	rssi   int
}

func keyOf(s model.BeaconSample) sampleKey {
	return sampleKey{
		uuid:   strings.ToLower(s.Transmitter.UUID),
		major:  s.Transmitter.Major,
		minor:  s.Transmitter.Minor,
		timeMs: s.TimeMs,
		rssi:   s.RSSI,
	}
}

type seenEntry struct {
	key sampleKey
	at  time.Time
}

// DedupeCache drops samples already buffered within a time window. Entries
// expire in arrival order.
type DedupeCache struct {
	mu    sync.Mutex
	seen  map[sampleKey]time.Time
	order []seenEntry
}

func NewDedupeCache() *DedupeCache {
	return &DedupeCache{seen: make(map[sampleKey]time.Time)}
}

// Seen reports whether sample was recorded less than ttl before now and
// records it otherwise.
func (d *DedupeCache) Seen(sample model.BeaconSample, now time.Time, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.expire(now, ttl)
	key := keyOf(sample)
	if at, ok := d.seen[key]; ok && now.Sub(at) <= ttl {
		return true
	}
	d.seen[key] = now
	d.order = append(d.order, seenEntry{key: key, at: now})
	if len(d.order) > dedupeMaxEntries {
		d.drop(1)
	}
	return false
}

func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *DedupeCache) expire(now time.Time, ttl time.Duration) {
	n := 0
	for n < len(d.order) && now.Sub(d.order[n].at) > ttl {
		n++
	}
	d.drop(n)
}

// drop removes the n oldest entries. A key re-recorded later keeps its
// newer map entry.
func (d *DedupeCache) drop(n int) {
	for _, e := range d.order[:n] {
		if at, ok := d.seen[e.key]; ok && at.Equal(e.at) {
			delete(d.seen, e.key)
		}
	}
	d.order = d.order[n:]
}
