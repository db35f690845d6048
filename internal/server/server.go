package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const shutdownGrace = 10 * time.Second

// ServeHTTP serves h on addr until ctx is done, then drains in-flight
// requests.
func ServeHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server on %s: %w", addr, err)
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}

// ServeMetrics exposes the prometheus registry on addr.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return ServeHTTP(ctx, addr, mux)
}

// Health reports serving status over the standard gRPC health protocol.
type Health struct {
	srv *health.Server
}

func NewHealth() *Health {
	h := &Health{srv: health.NewServer()}
	h.srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// SetServing flips the overall status once bootstrap has finished.
func (h *Health) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.srv.SetServingStatus("", status)
}

// Serve runs the gRPC health server on addr until ctx is done.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s, h.srv)

	go func() {
		<-ctx.Done()
		h.srv.Shutdown()
		s.GracefulStop()
	}()
	logging.Info(ctx, "grpc health server listening", zap.String("addr", lis.Addr().String()))
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server on %s: %w", addr, err)
	}
	return nil
}
