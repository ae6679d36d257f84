package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
	"github.com/kubilitics/kubilitics-analytics/internal/api/rest"
	"github.com/kubilitics/kubilitics-analytics/internal/api/ws"
	"github.com/kubilitics/kubilitics-analytics/internal/config"
	"github.com/kubilitics/kubilitics-analytics/internal/integration/events"
)

const replayBatch = 500

// Server runs the analytics core behind HTTP, WebSocket and gRPC health
// listeners, plus the optional Kafka consumer.
type Server struct {
	*Core

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	consumer   *events.Consumer

	// Lifecycle
	wg      sync.WaitGroup
	errCh   chan error
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
}

// New builds the core and the network surface from cfg.
func New(cfg *config.Config, log *zap.Logger) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret is required to serve")
	}
	core, err := NewCore(cfg, log)
	if err != nil {
		return nil, err
	}

	s := &Server{Core: core, errCh: make(chan error, 3)}

	auth := middleware.NewAuthenticator(cfg.Auth.JWTSecret)
	var limiter *middleware.RateLimiter
	if cfg.RateLimit.PerSecond > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	wsHandler := ws.NewHandler(core.Broker, auth, core.Engine, core.Pipeline, ws.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Broker.SendBuffer,
	}, core.log.Named("ws"))

	router := rest.NewRouter(rest.RouterConfig{
		Handler:        rest.NewHandler(core.Engine, core.Pipeline, core.log.Named("rest")),
		Auth:           auth,
		RateLimiter:    limiter,
		WebSocket:      wsHandler,
		Ready:          core.Store,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            core.log.Named("http"),
	})
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.grpcServer = grpc.NewServer()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	if cfg.Kafka.Enabled {
		consumer, err := events.NewConsumer(events.Config{
			Brokers: cfg.Kafka.Brokers,
			GroupID: cfg.Kafka.GroupID,
			Topic:   cfg.Kafka.Topic,
		}, core.Pipeline, core.log)
		if err != nil {
			_ = core.Close()
			return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
		}
		s.consumer = consumer
	}
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start replays unfinished events, starts the pipeline and opens every
// listener.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.replay(ctx)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.Pipeline.Start(runCtx)

	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Server.GRPCPort))
	if err != nil {
		cancel()
		s.Pipeline.Stop()
		return fmt.Errorf("listen gRPC: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.log.Info("http server started", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.log.Info("grpc health server started", zap.String("addr", grpcLis.Addr().String()))
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			s.errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	if s.consumer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.consumer.Run(runCtx); err != nil {
				s.errCh <- fmt.Errorf("kafka consumer: %w", err)
			}
		}()
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.log.Info("analytics server started",
		zap.Int("http_port", s.cfg.Server.Port),
		zap.Int("grpc_port", s.cfg.Server.GRPCPort),
		zap.String("anomaly_algorithm", s.Detector.Algorithm()),
		zap.Bool("forecasting", s.cfg.Analytics.EnableForecasting),
		zap.Bool("kafka", s.consumer != nil))
	return nil
}

// replay re-applies events retained before a crash, batch by batch, until a
// batch applies nothing.
func (s *Server) replay(ctx context.Context) {
	total := 0
	for {
		n, err := s.Pipeline.Replay(ctx, replayBatch)
		total += n
		if err != nil {
			s.log.Warn("startup replay failed", zap.Error(err))
			break
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		s.log.Info("replayed unprocessed events", zap.Int("count", total))
	}
}

// Run starts the server and blocks until ctx is cancelled or a listener
// fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
	case runErr = <-s.errCh:
		s.log.Error("server failure", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// Stop shuts the server down: listeners first, then the pipeline drains,
// then live connections are closed and storage is released.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.Pipeline.Stop()
	s.wg.Wait()

	if s.consumer != nil {
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if err := s.Core.Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("analytics server stopped")
	return errors.Join(errs...)
}
