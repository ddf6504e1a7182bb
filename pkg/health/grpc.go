// SPDX-License-Identifier: Apache-2.0
package health

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Publisher mirrors provider results into a gRPC health server. The empty
// service name carries the overall status; each component is published
// under its own name.
type Publisher struct {
	provider *Provider
	server   *grpchealth.Server
	logger   *slog.Logger
}

// NewPublisher creates a publisher for p.
func NewPublisher(p *Provider, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{provider: p, server: grpchealth.NewServer(), logger: logger}
}

// Server returns the gRPC health service implementation.
func (g *Publisher) Server() *grpchealth.Server {
	return g.server
}

// Publish runs every check once and updates serving statuses.
func (g *Publisher) Publish(ctx context.Context) Status {
	results, overall := g.provider.CheckAll(ctx)
	for _, result := range results {
		g.server.SetServingStatus(result.Component, servingStatus(result.Status))
	}
	g.server.SetServingStatus("", servingStatus(overall))
	return overall
}

// Run publishes on every tick until ctx ends, then marks everything as
// not serving.
func (g *Publisher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	g.Publish(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Publish(ctx)
		}
	}
}

// Serve exposes the health service on lis until ctx ends.
func (g *Publisher) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, g.server)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()
	g.logger.Info("health.grpc.start", slog.String("addr", lis.Addr().String()))
	err := grpcServer.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

func servingStatus(status Status) healthpb.HealthCheckResponse_ServingStatus {
	if status == Unhealthy {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
