package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"presencewatch/internal/model"
)

// Writer sends one observation to a store. The store assigns the time.
type Writer interface {
	Name() string
	Write(ctx context.Context, obs model.Observation) error
}

type Stats struct {
	Queued  int   `json:"queued"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Dispatcher is the fire-and-forget append path. Append never blocks; a
// single worker hands each observation to every writer in order.
type Dispatcher struct {
	queue   chan model.Observation
	writers []Writer
	timeout time.Duration
	logger  *slog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	startOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(queueSize int, timeout time.Duration, logger *slog.Logger, writers ...Writer) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan model.Observation, queueSize),
		writers: writers,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Append(obs model.Observation) {
	select {
	case d.queue <- obs:
	default:
		d.dropped.Add(1)
		if d.logger != nil {
			d.logger.Warn("sink queue full, dropping observation", "uuid", obs.UUID, "state", obs.State)
		}
	}
}

// Start runs the worker until ctx is done, then flushes what is queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

// Done is closed once the worker has flushed and exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case obs := <-d.queue:
			d.write(context.Background(), obs)
		case <-ctx.Done():
			for {
				select {
				case obs := <-d.queue:
					d.write(context.Background(), obs)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) write(parent context.Context, obs model.Observation) {
	for _, w := range d.writers {
		ctx, cancel := context.WithTimeout(parent, d.timeout)
		err := w.Write(ctx, obs)
		cancel()
		if err != nil {
			d.failed.Add(1)
			if d.logger != nil {
				d.logger.Error("observation write failed", "writer", w.Name(), "uuid", obs.UUID, "state", obs.State, "err", err)
			}
			continue
		}
		d.written.Add(1)
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:  len(d.queue),
		Written: d.written.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
	}
}
