package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"

	"warden/internal/config"
	"warden/internal/model"
)

// StartTCPStream listens for newline-delimited JSON events.
func StartTCPStream(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	serveTCPStream(ctx, ln, out, logger)
}

func serveTCPStream(ctx context.Context, ln net.Listener, out chan<- model.Event, logger *slog.Logger) {
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
			go handleTCPStreamConn(ctx, conn, out, logger)
		}
	}()
}

func handleTCPStreamConn(ctx context.Context, conn net.Conn, out chan<- model.Event, logger *slog.Logger) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		ev, err := DecodeLine(scanner.Bytes(), "tcp_stream")
		if err != nil {
			if logger != nil {
				logger.Warn("tcp stream decode error", "remote", conn.RemoteAddr().String(), "err", err)
			}
			continue
		}
		if ev == nil {
			continue
		}
		SendNonBlocking(ctx, out, *ev, logger)
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
	if err := scanner.Err(); err != nil && logger != nil {
		logger.Warn("tcp stream scanner error", "err", err)
	}
}
