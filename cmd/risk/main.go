package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/alerts"
	"github.com/terminal-bench/riskengine/internal/auth"
	"github.com/terminal-bench/riskengine/internal/config"
	"github.com/terminal-bench/riskengine/internal/gateway"
	"github.com/terminal-bench/riskengine/internal/history"
	"github.com/terminal-bench/riskengine/internal/profiles"
	"github.com/terminal-bench/riskengine/internal/riskservice"
	"github.com/terminal-bench/riskengine/internal/store"
	"github.com/terminal-bench/riskengine/internal/stream"
	"github.com/terminal-bench/riskengine/internal/telemetry"
	"github.com/terminal-bench/riskengine/internal/varclient"
	"github.com/terminal-bench/riskengine/pkg/circuit"
	"github.com/terminal-bench/riskengine/pkg/logger"
	"github.com/terminal-bench/riskengine/pkg/messaging"
)

func main() {
	cfg, err := config.Load(os.Getenv("RISKENGINE_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	os.Exit(exitCode(log, run(cfg, log)))
}

// exitCode logs a fatal run error and flushes the logger before the
// process exits.
func exitCode(log *zap.Logger, err error) int {
	code := 0
	if err != nil {
		log.Error("risk service stopped", zap.Error(err))
		code = 1
	}
	_ = log.Sync()
	return code
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	st, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("redis unavailable, profile cache is process-local", zap.Error(err))
	}

	health := map[string]gateway.HealthCheck{
		"postgres": st.Ping,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}

	var source profiles.Source = profiles.NewPostgresSource(st)
	var etcdSource *profiles.EtcdSource
	if cfg.Profiles.Backend == config.BackendEtcd {
		cli, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create etcd client: %w", err)
		}
		defer cli.Close()
		etcdSource = profiles.NewEtcdSource(cli.KV, cli.Watcher, cfg.Etcd.Prefix, log)
		source = etcdSource
		health["etcd"] = func(ctx context.Context) error {
			_, err := cli.Get(ctx, cfg.Etcd.Prefix+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
			return err
		}
	}
	cache := profiles.NewCache(source, rdb, cfg.Profiles.CacheTTL, log)

	varClient := varclient.New(varclient.Config{
		BaseURL:     cfg.VaRService.URL,
		Timeout:     cfg.VaRService.Timeout,
		MaxFailures: cfg.VaRService.MaxFailures,
		OpenTimeout: cfg.VaRService.OpenTimeout,
		OnStateChange: func(to circuit.State) {
			metrics.SetBreakerState("varservice", int(to))
		},
	}, log)
	health["varservice"] = func(context.Context) error {
		if s := varClient.Breaker().State(); s == circuit.StateOpen {
			return circuit.ErrCircuitOpen
		}
		return nil
	}

	hub := stream.NewHub(log, metrics)
	defer hub.Close()

	deps := riskservice.Deps{
		Store:       st,
		Profiles:    cache,
		VaR:         varClient,
		Stream:      hub,
		Metrics:     metrics,
		Logger:      log,
		BatchLimit:  cfg.Engine.BatchConcurrency,
		ComputedTTL: cfg.Engine.ComputedTTL,
	}

	if cfg.Influx.URL != "" {
		hist := history.New(history.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		defer hist.Close()
		deps.History = hist
		health["influx"] = hist.Ping
	}

	var alertPublisher alerts.Publisher
	natsClient, err := messaging.NewClient(messaging.Config{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.Name,
		ReconnectWait: cfg.NATS.ReconnectWait,
		MaxReconnects: cfg.NATS.MaxReconnects,
	}, log)
	if err != nil {
		log.Warn("nats unavailable, events are not published", zap.Error(err))
	} else {
		defer natsClient.Close()
		deps.Publisher = natsClient
		alertPublisher = natsClient
		health["nats"] = func(context.Context) error {
			if !natsClient.IsConnected() {
				return messaging.ErrNotConnected
			}
			return nil
		}
	}

	deps.Alerts = alerts.NewEngine(st, alertPublisher, log)
	svc := riskservice.New(deps)

	if natsClient != nil {
		if err := svc.ConsumeComputed(natsClient, cfg.NATS.QueueGroup); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	if etcdSource != nil {
		go etcdSource.Watch(ctx, func(id string) { svc.ProfileChanged(ctx, id) })
	}

	gw := gateway.New(gateway.Config{
		Port:            cfg.HTTP.Port,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		RateLimitWindow: cfg.HTTP.RateLimitWindow,
		RateLimitMax:    cfg.HTTP.RateLimitMax,
	}, gateway.Deps{
		Service:  svc,
		Verifier: auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Stream:   hub,
		Metrics:  metrics,
		Logger:   log,
		Health:   health,
	})

	go schedule(ctx, cfg.Engine.RefreshInterval, func() {
		n, err := svc.RefreshAll(ctx)
		if err != nil {
			log.Error("scheduled refresh failed", zap.Error(err))
			return
		}
		log.Info("scheduled refresh done", zap.Int("portfolios", n))
	})
	go schedule(ctx, cfg.HTTP.RateLimitWindow, gw.RateLimiter().Prune)

	srv := gw.Server()
	errCh := make(chan error, 1)
	go func() {
		log.Info("risk service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// schedule runs fn every interval until ctx is done; a non-positive
// interval disables it.
func schedule(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
