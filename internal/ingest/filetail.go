package ingest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"warden/internal/config"
	"warden/internal/model"
)

// StartFileTail follows each configured file and reads one JSON event per line.
// A file that shrinks is treated as rotated and reopened.
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
		go tailFile(ctx, path, current.StartAtEnd, out, logger)
	}
}

func tailFile(ctx context.Context, path string, startAtEnd bool, out chan<- model.Event, logger *slog.Logger) {
	var file *os.File
	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if file == nil {
			f, err := os.Open(path)
			if err != nil {
				if logger != nil {
					logger.Warn("tail open failed", "path", path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			file = f
			offset = 0
			if startAtEnd {
				if pos, err := file.Seek(0, io.SeekEnd); err == nil {
					offset = pos
				}
				// a rotated file is read from the start
				startAtEnd = false
			}
		}

		reader := bufio.NewReader(file)
		var pending string
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				pending += chunk
				offset += int64(len(chunk))
				if err == io.EOF {
					if !BackoffSleep(ctx, 200*time.Millisecond) {
						_ = file.Close()
						return
					}
					info, statErr := os.Stat(path)
					if statErr == nil && info.Size() < offset {
						_ = file.Close()
						file = nil
						break
					}
					continue
				}
				if logger != nil {
					logger.Warn("tail read error", "path", path, "err", err)
				}
				_ = file.Close()
				file = nil
				break
			}
			offset += int64(len(chunk))
			line := pending + chunk
			pending = ""
			ev, err := DecodeLine([]byte(line), "file_tail")
			if err != nil {
				if logger != nil {
					logger.Warn("tail decode error", "path", path, "err", err)
				}
				continue
			}
			if ev == nil {
				continue
			}
			SendNonBlocking(ctx, out, *ev, logger)
		}
	}
}
