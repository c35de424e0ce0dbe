package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// StartTCPStream accepts gateway connections that write one event per line.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) (net.Addr, error) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if logger != nil {
					logger.Warn("tcp stream accept error", "err", err)
				}
				continue
			}
			go func() {
				defer conn.Close()
				source := "tcp_stream"
				if logger != nil {
					logger.Debug("gateway connected", "remote", conn.RemoteAddr().String())
				}
				if err := scanLines(ctx, conn, source, cfg, NewParser(), out, logger); err != nil && logger != nil {
					logger.Warn("tcp stream read error", "remote", conn.RemoteAddr().String(), "err", err)
				}
			}()
		}
	}()
	return ln.Addr(), nil
}

// scanLines forwards every line of r until EOF or ctx is done. Each stream
// gets its own parser so a CSV header only applies to the stream it came on.
func scanLines(ctx context.Context, r io.Reader, source string, cfg *config.Manager, parser *Parser, out chan<- model.Event, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		forwardLine(ctx, scanner.Text(), source, cfg, parser, out, logger)
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
	return scanner.Err()
}
