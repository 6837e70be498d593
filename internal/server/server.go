// Package server exposes projects, restart plans, archives and runs over
// HTTP, streams stage and run events over a websocket and reports backend
// availability through the gRPC health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"

	"evovista/internal/pipeline"
	"evovista/internal/storage"
	"evovista/internal/watch"
)

// Server wraps the HTTP API, the event hub and the health service.
type Server struct {
	addr     string
	grpcAddr string
	orch     *pipeline.Orchestrator
	store    *storage.Store
	watcher  *watch.Watcher
	hub      *Hub
	health   *backendHealth
	log      *slog.Logger
	server   *http.Server
}

// Options configures a Server.
type Options struct {
	Addr     string
	GRPCAddr string // empty disables the health service listener
	Watch    bool   // watch the data directory for stage changes
}

// NewServer creates a server over orch.
func NewServer(opts Options, orch *pipeline.Orchestrator, store *storage.Store, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     opts.Addr,
		grpcAddr: opts.GRPCAddr,
		orch:     orch,
		store:    store,
		hub:      NewHub(log),
		health:   newBackendHealth(),
		log:      log,
	}

	if opts.Watch {
		w, err := watch.New(orch.DataDir(), log)
		if err != nil {
			log.Warn("Failed to set up project watcher", "error", err)
		} else {
			s.watcher = w
		}
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupProjectRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardRunEvents(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("Failed to start project watcher", "error", err)
			return err
		}
		go s.forwardStageChanges(ctx)
	}

	s.refreshHealth(ctx)

	var grpcServer *grpc.Server
	if s.grpcAddr != "" {
		lis, err := net.Listen("tcp", s.grpcAddr)
		if err != nil {
			return err
		}
		grpcServer = grpc.NewServer()
		s.health.register(grpcServer)
		go func() {
			s.log.Info("Health service starting", "addr", s.grpcAddr)
			if err := grpcServer.Serve(lis); err != nil {
				s.log.Error("Health service stopped", "error", err)
			}
		}()
	}

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.health.shutdown()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/backends", s.handleBackends).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/archives", s.handleArchives).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.refreshHealth(r.Context()))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentArchives(r.URL.Query().Get("project"), queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) forwardRunEvents(ctx context.Context) {
	events, unsubscribe := s.orch.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.hub.Publish(Message{Kind: "run", Data: ev})
		}
	}
}

func (s *Server) forwardStageChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-s.watcher.Changes:
			if !ok {
				return
			}
			s.hub.Publish(Message{Kind: "stage", Data: change})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
