// Command aegis boots the gateway: the proxy data plane, rate limiter,
// health checker, circuit breakers, metrics pipeline, alert manager,
// realtime push hub, and optional ML client, wired together by
// dependency injection instead of package-level singletons.
//
// Startup loads config, builds the dependency graph, and starts the
// background loops; shutdown blocks on a signal and tears everything
// down in reverse order, ending with a final metrics flush.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-gateway/aegis/alerts"
	"github.com/aegis-gateway/aegis/alerts/notify"
	"github.com/aegis-gateway/aegis/breaker"
	"github.com/aegis-gateway/aegis/health"
	"github.com/aegis-gateway/aegis/internal/config"
	"github.com/aegis-gateway/aegis/internal/kv"
	"github.com/aegis-gateway/aegis/internal/kv/memstore"
	"github.com/aegis-gateway/aegis/internal/kv/redisstore"
	"github.com/aegis-gateway/aegis/internal/obs/log"
	"github.com/aegis-gateway/aegis/internal/realtime"
	"github.com/aegis-gateway/aegis/internal/reqctx"
	"github.com/aegis-gateway/aegis/internal/tsdb"
	"github.com/aegis-gateway/aegis/internal/tsdb/memtsdb"
	"github.com/aegis-gateway/aegis/internal/tsdb/pgstore"
	"github.com/aegis-gateway/aegis/internal/wire/httpapi"
	"github.com/aegis-gateway/aegis/metrics"
	"github.com/aegis-gateway/aegis/mlclient"
	"github.com/aegis-gateway/aegis/proxy"
	"github.com/aegis-gateway/aegis/ratelimit"
	"github.com/aegis-gateway/aegis/router"
	"github.com/aegis-gateway/aegis/rules"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fatal panic in main", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			os.Exit(1)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfgPath := os.Getenv("AEGIS_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := log.New(log.WithLevel(parseLevel(os.Getenv("LOG_LEVEL"))))

	registry := prometheus.NewRegistry()

	store, closeKV := buildKVStore(cfg, logger)
	defer closeKV()

	tsStore, closeTS := buildTimeSeriesStore(ctx, cfg, logger)
	defer closeTS()

	mc := metrics.New(metrics.Config{
		Store:         tsStore,
		FlushInterval: cfg.FlushInterval(),
		BatchSize:     cfg.Metrics.BatchSize,
		Retention:     cfg.RetentionPeriod(),
		Registerer:    registry,
		Logger:        logger,
	})

	backends := make([]health.Backend, 0, len(cfg.Backends))
	proxyBackends := make(map[string]proxy.Backend, len(cfg.Backends))
	routerBackends := make([]router.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends = append(backends, health.Backend{
			Name:                      b.Name,
			URL:                       b.URL,
			HealthCheckPath:           b.HealthCheckPath,
			HealthCheckInterval:       b.HealthCheckInterval(30 * time.Second),
			Timeout:                   b.Timeout(5 * time.Second),
			Enabled:                   b.Enabled,
			DegradedRecoveryThreshold: b.DegradedRecoveryThreshold,
			FailureThreshold:          b.FailureThreshold,
		})
		proxyBackends[b.Name] = proxy.Backend{
			Name:          b.Name,
			URL:           b.URL,
			Timeout:       b.Timeout(5 * time.Second),
			RetryAttempts: b.RetryAttempts,
		}
		routerBackends = append(routerBackends, router.Backend{Name: b.Name, Routes: b.Routes})
	}

	hc := health.New(backends, mc, logger)
	br := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OpenDuration:     cfg.BreakerOpenDuration(),
	}, logger)

	tierLimits := make(ratelimit.TierLimits, len(cfg.RateLimiter.TierLimits))
	for tier, limit := range cfg.RateLimiter.TierLimits {
		tierLimits[reqctx.Tier(tier)] = limit
	}
	rl := ratelimit.NewRateLimiter(ratelimit.Config{
		Store:                store,
		KeyPrefix:            cfg.RateLimiter.KeyPrefix,
		KeyStrategy:          rules.KeyStrategy(cfg.RateLimiter.KeyStrategy),
		Rules:                buildRules(cfg.RateLimiter.Rules),
		Bypass:               buildBypass(cfg.RateLimiter.Bypass),
		Tiers:                tierLimits,
		DefaultAlgorithm:     cfg.RateLimiter.DefaultAlgorithm,
		DefaultWindowSeconds: 60,
		IncludeHeaders:       cfg.RateLimiter.IncludeHeaders,
		ErrorMessage:         cfg.RateLimiter.ErrorMessage,
		Logger:               logger,
	})

	rt := router.New(routerBackends)

	p := proxy.New(proxy.Config{
		Router:      rt,
		RateLimiter: rl,
		Breakers:    br,
		Health:      hc,
		Backends:    proxyBackends,
		Recorder:    mc,
		Logger:      logger,
	})

	dispatcher := notify.NewDispatcher(logger)
	dispatcher.Register(notify.ActionWebhook, &notify.WebhookChannel{Client: &http.Client{Timeout: 5 * time.Second}})
	dispatcher.Register(notify.ActionSlack, &notify.SlackChannel{})

	am := alerts.New(alerts.Config{
		Store:         tsStore,
		MetricValue:   mc.MetricValue,
		CheckInterval: cfg.AlertCheckInterval(),
		Logger:        logger,
		Dispatcher:    dispatcher,
	})
	if err := am.Load(ctx); err != nil {
		slog.Error("failed to load alert rules", "error", err)
		os.Exit(1)
	}

	hub := realtime.New(realtime.Config{
		Snapshotter: snapshotAdapter{mc},
		Logger:      logger,
	})

	var ml *mlclient.Client
	if cfg.ML.Enabled {
		ml = mlclient.New(mlclient.Config{
			BaseURL: cfg.ML.ServiceURL,
			Logger:  logger,
			OnAnomaly: func(ctx context.Context, report mlclient.AnomalyReport) {
				hub.BroadcastAlert(map[string]any{
					"type": "ml_anomaly", "endpoint": report.Endpoint, "score": report.Score, "detail": report.Detail,
				})
			},
		})
	}

	mc.Start(ctx)
	hc.Start(ctx)
	am.Start(ctx)
	if ml != nil {
		ml.Start(ctx)
	}

	apiHandler := httpapi.NewRouter(httpapi.Config{
		Metrics:      mc,
		Health:       hc,
		Breakers:     br,
		Alerts:       am,
		Realtime:     hub,
		RealtimePath: cfg.Server.RealtimePath,
		StartedAt:    time.Now(),
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/api/", apiHandler)
	mux.Handle(cfg.Server.RealtimePath, apiHandler)
	mux.Handle("/", p)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info(ctx, "aegis gateway listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	sig := <-stopCh
	logger.Info(ctx, "received shutdown signal", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "gateway server shutdown error", "error", err)
	}

	if ml != nil {
		ml.Stop()
	}
	am.Stop()
	hc.Stop()
	mc.Stop()
}

// snapshotAdapter bridges metrics.Collector to realtime.Snapshotter so
// the hub can push overview snapshots without importing the metrics
// package's full surface.
type snapshotAdapter struct {
	mc *metrics.Collector
}

func (s snapshotAdapter) Snapshot(ctx context.Context, sub realtime.SubscriptionType) (any, error) {
	switch sub {
	case realtime.SubOverview, realtime.SubAll:
		return s.mc.Overview(ctx, tsdb.Range{Preset: tsdb.Range5m})
	case realtime.SubRequests:
		return s.mc.Stats(), nil
	default:
		return s.mc.Stats(), nil
	}
}

func buildKVStore(cfg *config.Config, logger *log.Logger) (kv.Store, func()) {
	if cfg.KV.Addr == "" {
		logger.Info(context.Background(), "no kv.addr configured, using in-process store")
		store := memstore.New()
		return store, func() {}
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.KV.Addr,
		Password: cfg.KV.Password,
		DB:       cfg.KV.DB,
	})
	store := redisstore.New(client)
	return store, func() { client.Close() }
}

func buildTimeSeriesStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (tsdb.Store, func()) {
	if cfg.TimeSeries.DSN == "" {
		logger.Info(ctx, "no timeSeries.dsn configured, using in-memory metrics store")
		store := memtsdb.New()
		return store, func() {}
	}
	store, err := pgstore.Open(ctx, cfg.TimeSeries.DSN)
	if err != nil {
		logger.Error(ctx, "failed to open time-series store, falling back to in-memory", "error", err)
		mem := memtsdb.New()
		return mem, func() {}
	}
	return store, store.Close
}

// buildRules converts the config file's rule entries into the matcher's
// rule type.
func buildRules(cfgRules []config.RuleConfig) []rules.Rule {
	out := make([]rules.Rule, 0, len(cfgRules))
	for _, rc := range cfgRules {
		tiers := make([]reqctx.Tier, 0, len(rc.Tiers))
		for _, t := range rc.Tiers {
			tiers = append(tiers, reqctx.Tier(t))
		}
		out = append(out, rules.Rule{
			ID:       rc.ID,
			Name:     rc.Name,
			Enabled:  rc.Enabled,
			Priority: rc.Priority,
			Match: rules.Match{
				Endpoint:          rc.Endpoint,
				EndpointMatchType: rules.EndpointMatchType(rc.EndpointMatchType),
				Methods:           rc.Methods,
				Tiers:             tiers,
				UserIDs:           rc.UserIDs,
				IPs:               rc.IPs,
				APIKeys:           rc.APIKeys,
				Headers:           rc.Headers,
			},
			RateLimit: rules.RateLimitSpec{
				Algorithm:     rc.Algorithm,
				Requests:      rc.Requests,
				WindowSeconds: rc.WindowSeconds,
			},
		})
	}
	return out
}

func buildBypass(bc config.BypassConfig) rules.Bypass {
	return rules.Bypass{
		IPWhitelist:           bc.IPWhitelist,
		InternalRangesEnabled: bc.InternalRangesEnabled,
		UserIDWhitelist:       bc.UserIDWhitelist,
		APIKeyWhitelist:       bc.APIKeyWhitelist,
		PathWhitelist:         bc.PathWhitelist,
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
