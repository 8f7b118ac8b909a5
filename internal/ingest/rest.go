package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"warden/internal/config"
	"warden/internal/model"
	"warden/internal/normalize"
)

type RESTServer struct {
	out    chan<- model.Event
	logger *slog.Logger
}

func NewRESTServer(out chan<- model.Event, logger *slog.Logger) *RESTServer {
	return &RESTServer{out: out, logger: logger}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Event, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           NewRESTServer(out, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

type ingestResult struct {
	Accepted int `json:"accepted"`
	Failed   int `json:"failed"`
	Dropped  int `json:"dropped"`
}

// handleEvents accepts a single event object or an array of them.
func (s *RESTServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var objs []map[string]interface{}
	if trim[0] == '[' {
		if err := decodeJSON(trim, &objs); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := decodeJSON(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		objs = append(objs, obj)
	}

	var res ingestResult
	for _, obj := range objs {
		ev, err := normalize.Normalize(*ParseJSONMap(obj), "rest")
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "err", err)
			}
			res.Failed++
			continue
		}
		if SendNonBlocking(r.Context(), s.out, ev, s.logger) {
			res.Accepted++
		} else {
			res.Dropped++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Accepted == 0 && res.Failed > 0 {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(res)
}
