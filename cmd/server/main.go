package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/redis/go-redis/v9"
	grpchealth "google.golang.org/grpc/health"

	"fidc-session-auth/backend/internal/config"
	"fidc-session-auth/backend/internal/db"
	"fidc-session-auth/backend/internal/external"
	"fidc-session-auth/backend/internal/health"
	"fidc-session-auth/backend/internal/logging"
	policyengine "fidc-session-auth/backend/internal/policy/engine"
	policyhandler "fidc-session-auth/backend/internal/policy/handler"
	policyrepo "fidc-session-auth/backend/internal/policy/repository"
	"fidc-session-auth/backend/internal/ratelimit"
	"fidc-session-auth/backend/internal/security"
	"fidc-session-auth/backend/internal/server"
	"fidc-session-auth/backend/internal/session/cache"
	sessionhandler "fidc-session-auth/backend/internal/session/handler"
	sessionrepo "fidc-session-auth/backend/internal/session/repository"
	"fidc-session-auth/backend/internal/session/service"
	"fidc-session-auth/backend/internal/telemetry"
	telemetryotel "fidc-session-auth/backend/internal/telemetry/otel"
	"fidc-session-auth/backend/internal/telemetry/producer"
)

const healthMirrorInterval = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, telemetryotel.Options{
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: cfg.OTelServiceVersion,
		Environment:    cfg.Env,
		SampleRatio:    cfg.OTelSampleRatio,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	redisOpts.ReadTimeout = cfg.RedisTimeoutDuration()
	redisOpts.WriteTimeout = cfg.RedisTimeoutDuration()
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	policies := policyrepo.NewPostgresRepository(database)
	evaluator, err := policyengine.NewOPAEvaluator(ctx, policies, logger)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	keys := security.NewSigningKeyResolver(keySources(ctx, cfg, logger), cfg.JWTFallbackSecret, cfg.SigningKeyTTL(), logger)

	extOpts := external.Options{
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
		MaxAttempts:    cfg.ExternalRetryAttempts,
		RetryInitial:   cfg.RetryInitial(),
		RetryMax:       cfg.RetryMax(),
	}

	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, logger)
	if err != nil {
		log.Fatalf("kafka: %v", err)
	}
	emitters := telemetry.Fanout{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
	}

	sessionCache := cache.NewStore(rdb, logger)
	ledger := sessionrepo.NewPostgresRepository(database, cfg.DBTimeoutDuration())

	svc := service.New(service.Dependencies{
		Cache:   sessionCache,
		Ledger:  ledger,
		Limiter: ratelimit.New(ratelimit.NewRedisCounter(rdb), ratelimit.Config{
			IPLimit: cfg.RateLimitIPPerWindow,
			UALimit: cfg.RateLimitUAPerWindow,
			Window:  cfg.RateWindow(),
		}, logger),
		Credentials: security.NewCredentialIssuer(keys),
		Users:       external.NewUserManagementClient(cfg.UserManagementURL, extOpts, logger),
		Permissions: external.NewPermissionClient(cfg.PermissionURL, extOpts, logger),
		Policy:      evaluator,
		Emitter:     emitters,
		Logger:      logger,
	}, service.Config{TTLMinutes: cfg.SessionTTLMinutes})

	reconciler := service.NewReconciler(sessionCache, ledger, emitters, cfg.CleanupInterval(), logger)
	go reconciler.Run(ctx)

	checker := health.NewChecker(database, sessionCache, evaluator, logger)
	sessions := sessionhandler.NewHandler(svc, logger)
	if cfg.AdminJWTSecret == "" {
		logger.Warn("ADMIN_JWT_SECRET not set; operator routes will reject every request")
	}
	router := server.NewRouter(server.RouterConfig{
		AllowedOrigins: cfg.CORSOrigins(),
		AllowLocalhost: cfg.AllowLocalhost,
		AdminSecret:    cfg.AdminJWTSecret,
		Logger:         logger,
	}, checker,
		[]server.Routes{sessions},
		[]server.AdminRoutes{sessions, policyhandler.NewServer(policies, logger)},
	)

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http serve: %v", err)
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	grpcSrv := server.NewGRPCServer(logger)
	hs := grpchealth.NewServer()
	server.RegisterServices(grpcSrv, hs)
	go checker.Mirror(ctx, hs, healthMirrorInterval)
	go func() {
		logger.Info("grpc server listening", "addr", cfg.GRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	grpcSrv.GracefulStop()

	time.Sleep(telemetry.ShutdownDrainDuration)
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Error("kafka producer close", "error", err)
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		logger.Error("otel shutdown", "error", err)
	}
	logger.Info("server stopped")
}

// keySources returns the remote signing key tiers in lookup order; unconfigured tiers are left out.
func keySources(ctx context.Context, cfg *config.Config, logger *slog.Logger) []security.KeySource {
	var sources []security.KeySource
	if cfg.AWSJWTSecretName != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			logger.Warn("aws config unavailable; secrets manager tier disabled", "error", err)
		} else {
			sources = append(sources, &security.AWSSecretSource{
				Client:   secretsmanager.NewFromConfig(awsCfg),
				SecretID: cfg.AWSJWTSecretName,
			})
		}
	}
	if cfg.CredentialServiceURL != "" {
		sources = append(sources, &security.CredentialServiceSource{
			BaseURL:    cfg.CredentialServiceURL,
			HTTPClient: &http.Client{Timeout: cfg.ReadTimeout()},
		})
	}
	return sources
}
