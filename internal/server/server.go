// Package server exposes the build engine over HTTP: run triggering,
// termination, run history queries, a live log stream over SSE and
// Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/buildhost/internal/history"
	"git.home.luguber.info/inful/buildhost/internal/loghub"
	"git.home.luguber.info/inful/buildhost/internal/metrics"
	"git.home.luguber.info/inful/buildhost/internal/model"
)

// TaskSource is the read side of the task repository the server needs.
type TaskSource interface {
	Get(taskID string) (*model.BuildTask, error)
	List() []*model.BuildTask
	NextRunNumber(taskID string) (int, error)
}

// Executor runs one build to completion. The server invokes it in a fresh
// goroutine per triggered run.
type Executor interface {
	Execute(ctx context.Context, task *model.BuildTask, run *model.BuildRun) error
}

// Server is the HTTP surface over the build engine.
type Server struct {
	addr     string
	tasks    TaskSource
	store    history.Store
	hub      *loghub.Hub
	executor Executor
	registry *prom.Registry
	httpSrv  *http.Server
}

// New wires the HTTP server. registry may be nil to disable /metrics.
func New(addr string, tasks TaskSource, store history.Store, hub *loghub.Hub, executor Executor, registry *prom.Registry) *Server {
	return &Server{
		addr:     addr,
		tasks:    tasks,
		store:    store,
		hub:      hub,
		executor: executor,
		registry: registry,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/builds", s.handleTrigger)
	mux.HandleFunc("PUT /api/builds/terminate", s.handleTerminate)
	mux.HandleFunc("GET /api/builds/{task}/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/builds/{task}/{number}", s.handleGetRun)
	mux.HandleFunc("GET /api/builds/{task}/{number}/logs/stream", s.handleLogStream)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registry != nil {
		mux.Handle("GET /metrics", metrics.HTTPHandler(s.registry))
	}
	return mux
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: SSE streams stay open for the build's lifetime.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", slog.String("addr", s.addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
