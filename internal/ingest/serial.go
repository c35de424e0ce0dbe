package ingest

import (
	"context"
	"log/slog"
	"time"

	"go.bug.st/serial"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// StartSerial reads line oriented output of a USB scanner dongle. The port
// is reopened with backoff when the device goes away.
func StartSerial(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	current := cfg.Get().Ingest.Serial
	if !current.Enabled {
		if logger != nil {
			logger.Info("serial ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("serial ingest enabled", "port", current.Port, "baud_rate", current.BaudRate)
	}
	mode := &serial.Mode{
		BaudRate: current.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	go func() {
		backoff := 500 * time.Millisecond
		for {
			port, err := serial.Open(current.Port, mode)
			if err != nil {
				if logger != nil {
					logger.Warn("serial open failed", "port", current.Port, "err", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				if backoff < 10*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 500 * time.Millisecond
			stop := context.AfterFunc(ctx, func() { _ = port.Close() })
			err = scanLines(ctx, port, "serial", cfg, NewParser(), out, logger)
			stop()
			_ = port.Close()
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("serial port closed, reopening", "port", current.Port, "err", err)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
		}
	}()
}
