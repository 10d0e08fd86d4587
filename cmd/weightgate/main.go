package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/3xpluto/weightgate/internal/admin"
	"github.com/3xpluto/weightgate/internal/config"
	"github.com/3xpluto/weightgate/internal/exchange"
	"github.com/3xpluto/weightgate/internal/logging"
	"github.com/3xpluto/weightgate/internal/mw"
	"github.com/3xpluto/weightgate/internal/netx"
	"github.com/3xpluto/weightgate/internal/ratelimit"
	"github.com/3xpluto/weightgate/internal/stats"
	"github.com/3xpluto/weightgate/internal/weight"
)

func main() {
	var configPath string
	var validateOnly bool
	flag.StringVar(&configPath, "config", "./config/weightgate.example.yaml", "path to yaml config")
	flag.BoolVar(&validateOnly, "validate-config", false, "validate config and exit")
	flag.Parse()

	log := logging.New()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if validateOnly {
		log.Info("config ok", slog.Int("buckets", len(cfg.Buckets)))
		return
	}

	if err := run(log, cfg); err != nil {
		log.Error("weightgate exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(log *slog.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := mw.NewMetrics(reg)

	// ---- Limiters
	set, err := ratelimit.NewSet(cfg.LimiterBuckets(),
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)),
	)
	if err != nil {
		return err
	}
	defer set.Close()

	tables, err := weight.DefaultTables(cfg.TierOverrides())
	if err != nil {
		return err
	}

	// ---- Stats backend
	statsStore, closeStats := buildStats(ctx, log, cfg.Stats)
	defer closeStats()

	// ---- Exchange client
	weightLimiter, _ := set.Get(cfg.Exchange.WeightBucket)
	client, err := exchange.New(exchange.Options{
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  cfg.Exchange.APIKey,
		HTTPClient: exchange.NewHTTPClient(exchange.TransportConfig{
			DialTimeout:           seconds(cfg.Exchange.DialTimeoutSeconds),
			TLSHandshakeTimeout:   seconds(cfg.Exchange.TLSHandshakeTimeoutSeconds),
			ResponseHeaderTimeout: seconds(cfg.Exchange.ResponseHeaderTimeoutSeconds),
			IdleConnTimeout:       seconds(cfg.Exchange.IdleConnTimeoutSeconds),
			MaxIdleConns:          cfg.Exchange.MaxIdleConns,
			MaxIdleConnsPerHost:   cfg.Exchange.MaxIdleConnsPerHost,
		}),
		Limiter:           weightLimiter,
		Bucket:            cfg.Exchange.WeightBucket,
		Tables:            tables,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		Stats:             statsStore,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	// ---- Admin auth
	var auth mw.AuthHandler
	if strings.EqualFold(strings.TrimSpace(cfg.Admin.AuthMode), "hmac") {
		auth = mw.Authenticator{HMACSecret: []byte(cfg.Admin.HMACSecret), Issuer: cfg.Admin.Issuer}
	}
	allow, err := netx.ParseCIDRSet(cfg.Admin.AllowCIDRs)
	if err != nil {
		return err
	}
	trusted, err := netx.ParseCIDRSet(cfg.Admin.TrustedProxies)
	if err != nil {
		return err
	}

	srvAdmin, err := admin.New(admin.Options{
		Set:          set,
		Tables:       tables,
		Stats:        statsStore,
		Exchange:     client,
		Log:          log,
		Registry:     reg,
		Metrics:      httpMetrics,
		Auth:         auth,
		AdminKey:     cfg.Admin.Key,
		AllowCIDRs:   allow,
		IPResolver:   mw.IPResolver{Trusted: trusted},
		MaxBodyBytes: cfg.Admin.MaxBodyBytes,
		Info: map[string]any{
			"listen_addr":   cfg.Server.Addr,
			"auth_mode":     cfg.Admin.AuthMode,
			"stats_backend": cfg.Stats.Backend,
			"weight_bucket": cfg.Exchange.WeightBucket,
		},
	})
	if err != nil {
		return err
	}

	// ---- Server
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srvAdmin.Handler(),
		ReadHeaderTimeout: seconds(cfg.Server.ReadHeaderTimeoutSeconds),
		ReadTimeout:       seconds(cfg.Server.ReadTimeoutSeconds),
		WriteTimeout:      seconds(cfg.Server.WriteTimeoutSeconds),
		IdleTimeout:       seconds(cfg.Server.IdleTimeoutSeconds),
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("weightgate listening",
			slog.String("addr", cfg.Server.Addr),
			slog.Any("buckets", set.Names()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), seconds(cfg.Server.ShutdownTimeoutSeconds))
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func buildStats(ctx context.Context, log *slog.Logger, cfg config.StatsConfig) (stats.Store, func()) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "none":
		return stats.Nop{}, func() {}
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			log.Warn("redis unreachable; falling back to memory stats", slog.String("error", err.Error()))
			_ = rdb.Close()
			return stats.NewMemoryStore(), func() {}
		}
		st := stats.NewRedisStore(rdb,
			stats.WithPrefix(cfg.Redis.Prefix),
			stats.WithTTL(seconds(cfg.Redis.TTLSeconds)),
		)
		return st, func() { _ = st.Close() }
	default:
		return stats.NewMemoryStore(), func() {}
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
