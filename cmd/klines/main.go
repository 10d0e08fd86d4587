// Command klines fetches candles through the weight limiter and prints them
// as JSON lines. It is handy for watching the limiter refuse calls.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3xpluto/weightgate/internal/config"
	"github.com/3xpluto/weightgate/internal/exchange"
	"github.com/3xpluto/weightgate/internal/logging"
	"github.com/3xpluto/weightgate/internal/ratelimit"
	"github.com/3xpluto/weightgate/internal/weight"
)

func main() {
	var (
		configPath string
		q          exchange.KlineQuery
		repeat     int
		wait       bool
	)
	flag.StringVar(&configPath, "config", "./config/weightgate.example.yaml", "path to yaml config")
	flag.StringVar(&q.Symbol, "symbol", "BTCUSDT", "trading pair")
	flag.StringVar(&q.Interval, "interval", "1m", "kline interval")
	flag.IntVar(&q.Limit, "limit", 0, "rows per call (0 uses the provider default)")
	flag.Int64Var(&q.StartTime, "start", 0, "start time, unix ms")
	flag.Int64Var(&q.EndTime, "end", 0, "end time, unix ms")
	flag.IntVar(&repeat, "repeat", 1, "number of calls")
	flag.BoolVar(&wait, "wait", false, "sleep out weight refusals instead of stopping")
	flag.Parse()

	log := logging.New()
	if err := run(log, configPath, q, repeat, wait); err != nil {
		log.Error("klines failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(log *slog.Logger, configPath string, q exchange.KlineQuery, repeat int, wait bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	set, err := ratelimit.NewSet(cfg.LimiterBuckets(), ratelimit.WithLogger(log))
	if err != nil {
		return err
	}
	defer set.Close()
	tables, err := weight.DefaultTables(cfg.TierOverrides())
	if err != nil {
		return err
	}

	lim, _ := set.Get(cfg.Exchange.WeightBucket)
	client, err := exchange.New(exchange.Options{
		BaseURL: cfg.Exchange.BaseURL,
		APIKey:  cfg.Exchange.APIKey,
		HTTPClient: exchange.NewHTTPClient(exchange.TransportConfig{
			DialTimeout:           time.Duration(cfg.Exchange.DialTimeoutSeconds) * time.Second,
			TLSHandshakeTimeout:   time.Duration(cfg.Exchange.TLSHandshakeTimeoutSeconds) * time.Second,
			ResponseHeaderTimeout: time.Duration(cfg.Exchange.ResponseHeaderTimeoutSeconds) * time.Second,
			IdleConnTimeout:       time.Duration(cfg.Exchange.IdleConnTimeoutSeconds) * time.Second,
			MaxIdleConns:          cfg.Exchange.MaxIdleConns,
			MaxIdleConnsPerHost:   cfg.Exchange.MaxIdleConnsPerHost,
		}),
		Limiter:           lim,
		Bucket:            cfg.Exchange.WeightBucket,
		Tables:            tables,
		RequestsPerMinute: cfg.Exchange.RequestsPerMinute,
		Logger:            log,
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for i := 0; i < repeat; i++ {
		rows, err := client.Klines(ctx, q)
		var rl *exchange.RateLimitedError
		if errors.As(err, &rl) && wait && !rl.Oversized {
			log.Info("waiting for weight", slog.String("scope", rl.Scope), slog.Duration("retry_after", rl.RetryAfter))
			select {
			case <-time.After(rl.RetryAfter):
				i--
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
		for _, k := range rows {
			if err := enc.Encode(k); err != nil {
				return err
			}
		}
		snap, err := lim.Snapshot(ctx)
		if err == nil {
			log.Info("call done",
				slog.Int("call", i+1),
				slog.Int("rows", len(rows)),
				slog.Int64("usage", snap.Usage),
				slog.Int64("remaining", snap.Remaining),
			)
		}
	}
	return nil
}
