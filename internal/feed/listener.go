package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Listener polls a Source and pushes every applied status to subscribers.
type Listener struct {
	source   Source
	tracker  *Tracker
	interval time.Duration
	batch    int
	logger   *slog.Logger

	mu     sync.Mutex
	cursor string
	subs   map[int]chan Status
	nextID int
}

func NewListener(source Source, tracker *Tracker, interval time.Duration, batch int, logger *slog.Logger) *Listener {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 200
	}
	return &Listener{
		source:   source,
		tracker:  tracker,
		interval: interval,
		batch:    batch,
		logger:   logger,
		subs:     make(map[int]chan Status),
	}
}

func (l *Listener) Tracker() *Tracker {
	return l.tracker
}

func (l *Listener) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil && l.logger != nil {
			l.logger.Warn("feed poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads until the source is exhausted and returns how many records
// were applied.
func (l *Listener) Poll(ctx context.Context) (int, error) {
	applied := 0
	for {
		l.mu.Lock()
		cursor := l.cursor
		l.mu.Unlock()

		list, next, err := l.source.Next(ctx, cursor, l.batch)
		if err != nil {
			return applied, err
		}
		l.mu.Lock()
		l.cursor = next
		l.mu.Unlock()
		for _, obs := range list {
			st, ok := l.tracker.Apply(obs)
			if !ok {
				if l.logger != nil {
					l.logger.Debug("feed record with unknown state skipped", "id", obs.ID, "state", obs.State)
				}
				continue
			}
			applied++
			l.publish(st)
		}
		if len(list) < l.batch || next == cursor {
			return applied, nil
		}
	}
}

// Subscribe returns a channel of status updates. Slow subscribers miss
// updates rather than stall the listener.
func (l *Listener) Subscribe(buffer int) (<-chan Status, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Status, buffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()
	return ch, func() {
		l.mu.Lock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
		l.mu.Unlock()
	}
}

func (l *Listener) publish(st Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
