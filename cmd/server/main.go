// Package main provides the entry point for the traffic-guard service.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/auth-platform/traffic-guard/internal/auth"
	"github.com/auth-platform/traffic-guard/internal/blacklist"
	"github.com/auth-platform/traffic-guard/internal/broker"
	"github.com/auth-platform/traffic-guard/internal/config"
	"github.com/auth-platform/traffic-guard/internal/counterstore"
	"github.com/auth-platform/traffic-guard/internal/detector"
	"github.com/auth-platform/traffic-guard/internal/fault"
	"github.com/auth-platform/traffic-guard/internal/guard"
	"github.com/auth-platform/traffic-guard/internal/httpapi"
	"github.com/auth-platform/traffic-guard/internal/interceptor"
	"github.com/auth-platform/traffic-guard/internal/ledger"
	"github.com/auth-platform/traffic-guard/internal/logging"
	"github.com/auth-platform/traffic-guard/internal/observability"
	"github.com/auth-platform/traffic-guard/internal/ratelimit"
	"github.com/auth-platform/traffic-guard/internal/rulestore"
)

const (
	serviceName    = "traffic-guard"
	serviceVersion = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting service",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion),
		zap.Any("config", cfg.LogSafe()))

	metrics := observability.NewMetrics("traffic_guard")

	tracerProvider, err := observability.InitTracing(context.Background(), observability.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Environment:    os.Getenv("ENVIRONMENT"),
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
	})
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	// Counter store: Redis behind a circuit breaker, or the in-process
	// store for single-instance deployments.
	var backing counterstore.Store
	if cfg.Redis.InMemory {
		backing = counterstore.NewMemoryStore()
		logger.Warn("using in-memory counter store; limits are per-instance")
	} else {
		backing, err = counterstore.NewRedisStore(counterstore.RedisConfig{
			Addresses:    cfg.Redis.Addresses,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ClusterMode:  cfg.Redis.ClusterMode,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			logger.Fatal("failed to create counter store", zap.Error(err))
		}
	}

	breaker, err := fault.NewCircuitBreaker(fault.DefaultBreakerConfig("counter-store"))
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}
	breaker.OnStateChange(func(_, to fault.State) {
		metrics.SetCircuitBreakerState("counter-store", int(to))
	})
	counters := counterstore.NewProtected(backing, breaker, logger)
	defer counters.Close()

	// Durable config store plus its read-through cache.
	store, err := rulestore.New(rulestore.Config{
		DSN:          cfg.Postgres.DSN,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
		ConnLifetime: cfg.Postgres.ConnLifetime,
	})
	if err != nil {
		logger.Fatal("failed to open config store", zap.Error(err))
	}
	defer store.Close()

	cached := rulestore.NewCached(store, rulestore.CacheConfig{
		RuleTTL:     cfg.ConfigCache.RuleTTL,
		OverrideTTL: cfg.ConfigCache.OverrideTTL,
		BanTTL:      cfg.ConfigCache.BanTTL,
		MaxEntries:  cfg.ConfigCache.MaxEntries,
	}, logger)
	defer cached.Close()

	warmCtx, warmCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := cached.Warm(warmCtx); err != nil {
		logger.Warn("rule cache warm-up failed", zap.Error(err))
	}
	warmCancel()

	// Analytical ledger.
	var (
		activity  guard.ActivityLedger = ledger.Noop{}
		analytics *ledger.Analytics
	)
	if cfg.Influx.Enabled {
		influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()

		led := ledger.New(
			influx.WriteAPIBlocking(cfg.Influx.Org, cfg.Influx.Bucket),
			ledger.Config{
				QueueCapacity: cfg.Ledger.QueueCapacity,
				BatchSize:     cfg.Ledger.BatchSize,
				FlushInterval: cfg.Ledger.FlushInterval,
				FlushTimeout:  cfg.Ledger.FlushTimeout,
				Retry:         fault.DefaultRetryConfig(),
			},
			metrics,
			logger,
		)
		defer led.Close()
		activity = led
		analytics = ledger.NewAnalytics(influx.QueryAPI(cfg.Influx.Org), cfg.Influx.Bucket)
	} else {
		logger.Warn("analytical ledger disabled; activity records are dropped")
	}

	// Event broker.
	var publisher guard.EventPublisher = broker.Noop{}
	if cfg.Kafka.Enabled {
		kafkaPub := broker.NewKafkaPublisher(broker.Config{
			Brokers:         cfg.Kafka.Brokers,
			BanTopic:        cfg.Kafka.BanTopic,
			SuspiciousTopic: cfg.Kafka.SuspiciousTopic,
		})
		defer kafkaPub.Close()
		publisher = kafkaPub
	}

	// Core engine, escalation guard, detector, interceptor.
	engine := ratelimit.New(ratelimit.Config{
		FailOpen:       cfg.Limiter.FailOpen,
		CacheDecisions: cfg.Limiter.CacheDecisions,
		AllowCacheTTL:  cfg.Limiter.AllowCacheTTL,
		CounterGrace:   cfg.Limiter.CounterGrace,
	}, counters, counters, cached, logger)

	bans := blacklist.New(blacklist.Config{
		ViolationThreshold: cfg.Escalation.ViolationThreshold,
		EscalationWindow:   cfg.Escalation.EscalationWindow,
		BaseBanDuration:    cfg.Escalation.BaseBanDuration,
		BackoffFactor:      cfg.Escalation.BackoffFactor,
		MaxBanDuration:     cfg.Escalation.MaxBanDuration,
		PermanentAfter:     cfg.Escalation.PermanentAfter,
		CriticalSeverity:   guard.SeverityCritical,
		FailClosed:         cfg.Escalation.FailClosed,
		MarkerTTLCap:       cfg.Escalation.MarkerTTLCap,
	}, counters, cached, activity, publisher, metrics, logger)

	detect := detector.New(detector.Config{
		Lookback:             cfg.Detector.Lookback,
		HistoryCapacity:      cfg.Detector.HistoryCapacity,
		MaxIdentities:        cfg.Detector.MaxIdentities,
		BurstEnabled:         cfg.Detector.BurstEnabled,
		BurstThreshold:       cfg.Detector.BurstThreshold,
		ScanEnabled:          cfg.Detector.ScanEnabled,
		ScanDistinctPaths:    cfg.Detector.ScanDistinctPaths,
		ErrorRatioEnabled:    cfg.Detector.ErrorRatioEnabled,
		ErrorRatioThreshold:  cfg.Detector.ErrorRatioThreshold,
		ErrorRatioMinSamples: cfg.Detector.ErrorRatioMinSamples,
		BadNetworkEnabled:    cfg.Detector.BadNetworkEnabled,
		BadNetworks:          cfg.Detector.BadNetworks,
	}, logger)
	defer detect.Close()

	ic := interceptor.New(interceptor.Config{
		DetectorWorkers:   cfg.Detector.Workers,
		DetectorQueueSize: cfg.Detector.QueueSize,
	}, bans, engine, detect, activity, publisher, metrics, logger)
	defer ic.Close()

	// HTTP surface.
	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	admin := httpapi.NewAdminHandler(store, cached, bans, analytics, logger)

	checks := map[string]httpapi.HealthChecker{
		"counter_store": counters.Ping,
		"config_store":  store.Ping,
	}

	router := httpapi.NewRouter(ic, admin, checks, httpapi.RouterConfig{
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
		AuthMiddleware: auth.NewMiddleware(validator),
		RequestTimeout: 30 * time.Second,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.HTTPPort))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if tracerProvider != nil {
		if err := tracerProvider.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}

	logger.Info("stopped")
}
