package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"mediaart.org/internal/audit"
	"mediaart.org/internal/auth"
	"mediaart.org/internal/config"
	"mediaart.org/internal/httpapi"
	"mediaart.org/internal/migrate"
	"mediaart.org/internal/obs"
	"mediaart.org/internal/rental"
	"mediaart.org/internal/rpc"
	"mediaart.org/internal/store/pg"
	"mediaart.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	signer, err := auth.NewSigner([]byte(cfg.Auth.Secret), auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	hub := stream.NewHub(cfg.Stream.Poll)
	backend, ready, closeBackend, err := openBackend(cfg, hub)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer closeBackend()

	svc := rental.Observed(backend, obs.RentalMetrics{}, audit.Trail{})

	api := httpapi.New(svc, signer,
		httpapi.WithVersion(version),
		httpapi.WithReadiness(ready),
		httpapi.WithHub(hub),
		httpapi.WithRateLimit(cfg.Limits.RateBurst, cfg.Limits.RatePerSecond),
		httpapi.WithTokenIssuance(cfg.Auth.TokenTTL),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins...),
		httpapi.WithHeartbeat(cfg.Stream.Heartbeat),
	)

	// No WriteTimeout: the event streams are long-lived responses.
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rpc.LoggingInterceptor(),
		rpc.AuthInterceptor(signer),
	))
	rpc.Register(grpcSrv, rpc.NewServer(svc))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Log("info", "starting", map[string]any{
		"version": version,
		"http":    srv.Addr,
		"grpc":    lis.Addr().String(),
		"backend": cfg.Storage.Backend,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Log("info", "shutting down", nil)

	healthSrv.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		grpcSrv.Stop()
	}
	obs.Log("info", "stopped", nil)
}

// openBackend builds the configured rental.Service. Commit hooks wake the
// hub so local writes reach stream subscribers without waiting for a poll.
func openBackend(cfg *config.Config, hub *stream.Hub) (rental.Service, httpapi.Readiness, func(), error) {
	if cfg.Storage.Backend == config.BackendMemory {
		svc := rental.NewInMemory(rental.WithCommitHook(hub.Notify))
		return svc, httpapi.ReadyFunc(func(context.Context) error { return nil }), func() {}, nil
	}

	store, err := pg.Open(cfg.Storage.DSN, pg.WithCommitHook(hub.Notify))
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Storage.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := migrate.NewManager(store.DB(), pg.Migrations(), nil).Up(ctx); err != nil {
			_ = store.Close()
			return nil, nil, nil, err
		}
	}
	return store, httpapi.ReadyFunc(store.Ping), func() { _ = store.Close() }, nil
}
