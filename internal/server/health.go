package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"evovista/internal/backend"
)

// Health service names, one per backend. The empty service reports whether
// any backend can run the pipeline.
const (
	HealthLocal     = "evovista.backend.local"
	HealthContainer = "evovista.backend.docker"
)

type backendHealth struct {
	srv *health.Server
}

func newBackendHealth() *backendHealth {
	h := &backendHealth{srv: health.NewServer()}
	h.update(backend.Result{})
	return h
}

func (h *backendHealth) update(r backend.Result) {
	h.srv.SetServingStatus(HealthLocal, servingStatus(r.Local))
	h.srv.SetServingStatus(HealthContainer, servingStatus(r.Container))
	h.srv.SetServingStatus("", servingStatus(r.Local || r.Container))
}

func (h *backendHealth) register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

func (h *backendHealth) shutdown() { h.srv.Shutdown() }

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// refreshHealth re-probes the backends and publishes the result to health
// watchers and websocket clients.
func (s *Server) refreshHealth(ctx context.Context) backend.Result {
	res := s.orch.Detect(ctx)
	s.health.update(res)
	s.hub.Publish(Message{Kind: "backends", Data: res})
	return res
}
