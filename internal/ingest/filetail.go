package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// StartFileTail follows gateway log files, e.g. an hcidump or scanner
// capture that is appended to continuously.
func StartFileTail(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{path: path, startAtEnd: current.StartAtEnd, cfg: cfg, parser: NewParser(), out: out, logger: logger}
		go t.run(ctx)
	}
}

type tailer struct {
	path       string
	startAtEnd bool
	cfg        *config.Manager
	parser     *Parser
	out        chan<- model.Event
	logger     *slog.Logger

	offset  int64
	pending string
}

func (t *tailer) run(ctx context.Context) {
	for {
		f, err := os.Open(t.path)
		if err != nil {
			if t.logger != nil {
				t.logger.Warn("tail open failed", "path", t.path, "err", err)
			}
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		if t.startAtEnd {
			if pos, err := f.Seek(0, io.SeekEnd); err == nil {
				t.offset = pos
			}
			// only the first open skips history; a rotated file is read whole.
			t.startAtEnd = false
		} else {
			t.offset = 0
		}
		reopen := t.follow(ctx, f)
		_ = f.Close()
		if !reopen {
			return
		}
	}
}

// follow reads f until it is truncated or fails. It reports whether the
// file should be opened again.
func (t *tailer) follow(ctx context.Context, f *os.File) bool {
	reader := bufio.NewReader(f)
	for {
		chunk, err := reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err == nil {
			line := t.pending + chunk
			t.pending = ""
			forwardLine(ctx, line, "file_tail", t.cfg, t.parser, t.out, t.logger)
			continue
		}
		if err != io.EOF {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			return BackoffSleep(ctx, 500*time.Millisecond)
		}
		// a writer may be mid-line; hold the fragment until its newline.
		t.pending += chunk
		if !BackoffSleep(ctx, 200*time.Millisecond) {
			return false
		}
		if info, statErr := os.Stat(t.path); statErr == nil && info.Size() < t.offset {
			if t.logger != nil {
				t.logger.Info("tail file truncated, reopening", "path", t.path)
			}
			t.pending = ""
			return true
		}
	}
}
