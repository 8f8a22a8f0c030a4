package main

import (
	"context"
	"errors"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "speech-recognition-bridge/internal/api/grpc"
	"speech-recognition-bridge/internal/app"
	httpapi "speech-recognition-bridge/internal/http"
	"speech-recognition-bridge/internal/observability"
	"speech-recognition-bridge/internal/observability/metrics"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gRPC and HTTP servers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application := app.New(cfg)
		if err := application.Start(ctx); err != nil {
			return err
		}
		defer application.Shutdown()
		log := application.Logger

		grpcLis, err := net.Listen("tcp", ":"+cfg.Service.GRPCPort)
		if err != nil {
			return err
		}
		httpLis, err := net.Listen("tcp", ":"+cfg.Service.HTTPPort)
		if err != nil {
			grpcLis.Close()
			return err
		}

		server := grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
			grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(metrics.DefaultMetrics)),
		)

		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(server, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

		grpcapi.Register(server, application)

		// Enable gRPC reflection for debugging tools like grpcurl
		reflection.Register(server)

		httpServer := observability.NewServer(":"+cfg.Service.HTTPPort,
			otelhttp.NewHandler(httpapi.NewRouter(application), "http"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", grpcLis.Addr().String()).Msg("Speech recognition bridge started")
			return server.Serve(grpcLis)
		})
		g.Go(func() error {
			return httpServer.Serve(httpLis)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Msg("Shutting down")
			healthServer.Shutdown()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			done := make(chan struct{})
			go func() {
				server.GracefulStop()
				close(done)
			}()
			select {
			case <-done:
			case <-shutdownCtx.Done():
				server.Stop()
			}
			return httpServer.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
