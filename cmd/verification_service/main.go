package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	gRPC "google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/aradsms/verification_gateway/internal/platform/config"
	"github.com/aradsms/verification_gateway/internal/platform/database"
	"github.com/aradsms/verification_gateway/internal/platform/logger"
	"github.com/aradsms/verification_gateway/internal/platform/messagebroker"
	grpcadapter "github.com/aradsms/verification_gateway/internal/verification_service/adapters/grpc"
	httpadapter "github.com/aradsms/verification_gateway/internal/verification_service/adapters/http"
	"github.com/aradsms/verification_gateway/internal/verification_service/app"
	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
	"github.com/aradsms/verification_gateway/internal/verification_service/notifier"
	"github.com/aradsms/verification_gateway/internal/verification_service/repository/memory"
	"github.com/aradsms/verification_gateway/internal/verification_service/repository/postgres"
	"github.com/aradsms/verification_gateway/internal/verification_service/upstream"
)

const (
	serviceName     = "verification-service"
	shutdownTimeout = 15 * time.Second
)

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat).With("service", serviceName)
	appLogger.Info("Verification service starting...",
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"upstream", cfg.UpstreamBaseURL,
		"log_level", cfg.LogLevel,
	)

	repo, closeRepo, err := newRepository(mainCtx, cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	// --- Upstream: token manager, breakers, resilient client ---
	upstreamHTTP := &http.Client{Timeout: cfg.UpstreamHTTPTimeout}
	tokens := upstream.NewTokenManager(
		upstream.NewHTTPAuthenticator(upstream.VerificationProviderName, cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, cfg.UpstreamUsername, upstreamHTTP),
		upstream.TokenManagerConfig{
			Upstream:        upstream.VerificationProviderName,
			SafetyMargin:    cfg.TokenSafetyMargin,
			AuthTimeout:     cfg.TokenAuthTimeout,
			RefreshInterval: cfg.TokenRefreshInterval,
		},
		appLogger,
	)
	breakers := upstream.NewBreakerSet(upstream.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	})
	healthServer := grpcadapter.NewHealthServer(breakers, appLogger)
	healthServer.Track(upstream.VerificationProviderName)

	client := upstream.NewClient(upstreamHTTP, breakers, upstream.ClientConfig{
		MaxAttempts:          cfg.RetryMaxAttempts,
		BaseBackoff:          cfg.RetryBaseBackoff,
		MaxBackoff:           cfg.RetryMaxBackoff,
		MaxRateLimitRetries:  cfg.RateLimitMaxRetries,
		DefaultRateLimitWait: cfg.RateLimitDefaultWait,
		MaxRateLimitWait:     cfg.RateLimitMaxWait,
	}, appLogger)
	client.Register(upstream.VerificationProviderName, upstream.Endpoint{BaseURL: cfg.UpstreamBaseURL, Tokens: tokens})
	provider := upstream.NewProvider(client, upstream.VerificationProviderName, appLogger)

	// --- Notification fan-out, relayed over NATS when configured ---
	var relay *notifier.NATSRelay
	var natsClient *messagebroker.NATSClient
	if cfg.NATSUrl != "" {
		natsClient, err = messagebroker.NewNATSClient(cfg.NATSUrl, appLogger, serviceName)
		if err != nil {
			appLogger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()
		relay = notifier.NewNATSRelay(natsClient, cfg.NATSSubjectPrefix, appLogger)
	}
	var hub *notifier.Hub
	if relay != nil {
		hub = notifier.NewHub(appLogger, relay)
	} else {
		hub = notifier.NewHub(appLogger, nil)
	}

	// --- State machine and poller ---
	prices, err := cfg.PriceList()
	if err != nil {
		appLogger.Error("Invalid price list", "error", err)
		os.Exit(1)
	}
	pricer, err := app.NewStaticPricer(cfg.PriceDefault, prices)
	if err != nil {
		appLogger.Error("Failed to initialize pricer", "error", err)
		os.Exit(1)
	}
	verificationService := app.NewVerificationService(repo, provider, pricer, hub, appLogger)
	verificationService.SetUpstreamTimeouts(cfg.ReserveTimeout, cfg.UpstreamCancelTimeout)
	scheduler := app.NewPollScheduler(provider, verificationService, appLogger, app.PollerConfig{
		Interval: cfg.PollInterval,
		Ceiling:  cfg.PollCeiling,
	})
	verificationService.SetPoller(scheduler)

	if _, err := scheduler.ResumePending(mainCtx, verificationService); err != nil {
		appLogger.Error("Failed to resume pending verifications", "error", err)
		os.Exit(1)
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		return tokens.Run(groupCtx)
	})

	if relay != nil {
		if err := relay.Listen(groupCtx, natsClient, hub); err != nil {
			appLogger.Error("Failed to subscribe to relayed events", "error", err)
			os.Exit(1)
		}
	}

	// --- Start gRPC Server ---
	grpcMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := prometheus.DefaultRegisterer.Register(grpcMetrics); err != nil {
		appLogger.Warn("Failed to register gRPC Prometheus metrics", "error", err)
	}
	grpcServer := gRPC.NewServer(
		gRPC.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		gRPC.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer.Register(grpcServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	grpcListenAddress := fmt.Sprintf(":%d", cfg.GRPCPort)
	grpcListener, err := net.Listen("tcp", grpcListenAddress)
	if err != nil {
		appLogger.Error("Failed to listen for gRPC", "address", grpcListenAddress, "error", err)
		os.Exit(1)
	}

	g.Go(func() error {
		appLogger.Info("gRPC health server starting", "address", grpcListenAddress)
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, gRPC.ErrServerStopped) {
			appLogger.Error("gRPC server failed to serve", "error", err)
			return err
		}
		appLogger.Info("gRPC server shut down gracefully.")
		return nil
	})

	// --- Start HTTP Server ---
	handler := httpadapter.NewVerificationHandler(
		verificationService,
		hub,
		breakers,
		validator.New(validator.WithRequiredStructEnabled()),
		notifier.WebsocketConfig{WriteTimeout: cfg.WSWriteTimeout, PongTimeout: cfg.WSPongTimeout},
		appLogger,
	)
	router := httpadapter.NewRouter(httpadapter.RouterConfig{
		Auth:                  httpadapter.AuthConfig{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer},
		CreateRateLimit:       cfg.CreateRateLimit,
		CreateRateLimitWindow: cfg.CreateRateLimitWindow,
	}, handler, appLogger)

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(net.Listener) context.Context { return mainCtx },
	}

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Error("HTTP server ListenAndServe error", "error", err)
			return err
		}
		appLogger.Info("HTTP server shut down gracefully.")
		return nil
	})

	// --- Graceful Shutdown Handling ---
	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
			return nil
		case <-groupCtx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown...")

		shutdownCtx, cancelShutdownTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdownTimeout()

		var shutdownErrors error
		healthServer.Shutdown()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("HTTP server graceful shutdown failed", "error", err)
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("http shutdown: %w", err))
		}
		// Websocket connections are hijacked and not covered by http.Server.Shutdown.
		hub.Close()
		scheduler.Shutdown()

		grpcServer.GracefulStop()
		appLogger.Info("gRPC server has finished GracefulStop.")
		return shutdownErrors
	})

	appLogger.Info("Verification service is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error during run/shutdown", "error", err)
	}
	appLogger.Info("Verification service shut down successfully.")
}

// newRepository connects to postgres when a DSN is configured and falls back to the seeded in-memory store otherwise.
func newRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.VerificationRepository, func(), error) {
	if cfg.PostgresDSN != "" {
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("Successfully connected to PostgreSQL")
		return postgres.NewPgVerificationRepository(pool, logger), pool.Close, nil
	}

	seeds, err := cfg.SeedAccountList()
	if err != nil {
		return nil, nil, err
	}
	store := memory.NewStore()
	for _, seed := range seeds {
		balance, err := decimal.NewFromString(seed.Balance)
		if err != nil {
			return nil, nil, fmt.Errorf("seed account %s: %w", seed.OwnerID, err)
		}
		store.SetAccount(seed.OwnerID, balance, seed.FreeQuota)
	}
	logger.Warn("POSTGRES_DSN not set, using in-memory store", "seeded_accounts", len(seeds))
	return store, func() {}, nil
}
