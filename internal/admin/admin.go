// Package admin serves the operator API over the limiter set: bucket
// snapshots, manual check/acquire/record, weight classification and stats.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3xpluto/weightgate/internal/exchange"
	"github.com/3xpluto/weightgate/internal/mw"
	"github.com/3xpluto/weightgate/internal/netx"
	"github.com/3xpluto/weightgate/internal/ratelimit"
	"github.com/3xpluto/weightgate/internal/stats"
	"github.com/3xpluto/weightgate/internal/weight"
)

// KlineFetcher is the part of the exchange client the admin API proxies.
type KlineFetcher interface {
	Klines(ctx context.Context, q exchange.KlineQuery) ([]exchange.Kline, error)
}

type Options struct {
	Set    *ratelimit.Set
	Tables weight.Tables
	// Stats is served at /-/stats when it is a *stats.MemoryStore.
	Stats    stats.Store
	Exchange KlineFetcher

	Log      *slog.Logger
	Registry *prometheus.Registry
	Metrics  *mw.Metrics

	// Auth guards /-/ routes. When nil, AdminKey is required instead.
	Auth         mw.AuthHandler
	AdminKey     string
	AllowCIDRs   *netx.CIDRSet
	IPResolver   mw.IPResolver
	MaxBodyBytes int64

	// Info is echoed by /-/status.
	Info map[string]any
}

type Server struct {
	opts      Options
	log       *slog.Logger
	startedAt time.Time
	mux       *http.ServeMux
}

func New(opts Options) (*Server, error) {
	if opts.Set == nil {
		return nil, errors.New("admin: limiter set is required")
	}
	if opts.Tables == nil {
		return nil, errors.New("admin: weight tables are required")
	}
	s := &Server{
		opts:      opts,
		log:       opts.Log,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.Handle("GET /healthz", s.wrap("healthz", false, http.HandlerFunc(s.healthz)))
	if s.opts.Registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{}))
	}

	s.mux.Handle("GET /-/status", s.wrap("admin_status", true, http.HandlerFunc(s.status)))
	s.mux.Handle("GET /-/limits", s.wrap("admin_limits", true, http.HandlerFunc(s.limits)))
	s.mux.Handle("GET /-/limits/{bucket}", s.wrap("admin_limit", true, http.HandlerFunc(s.limit)))
	s.mux.Handle("POST /-/check", s.wrap("admin_check", true, http.HandlerFunc(s.check)))
	s.mux.Handle("POST /-/acquire", s.wrap("admin_acquire", true, http.HandlerFunc(s.acquire)))
	s.mux.Handle("POST /-/record", s.wrap("admin_record", true, http.HandlerFunc(s.record)))
	s.mux.Handle("GET /-/classify", s.wrap("admin_classify", true, http.HandlerFunc(s.classify)))
	s.mux.Handle("GET /-/stats", s.wrap("admin_stats", true, http.HandlerFunc(s.stats)))
	if s.opts.Exchange != nil {
		s.mux.Handle("GET /-/klines", s.wrap("admin_klines", true, http.HandlerFunc(s.klines)))
	}
}

// wrap applies the middleware chain, outermost first: Recover, RequestID,
// WithRoute, Instrument, AccessLog, then for guarded routes MaxBody,
// AllowCIDRs and auth.
func (s *Server) wrap(route string, guarded bool, h http.Handler) http.Handler {
	if guarded {
		if s.opts.Auth != nil {
			h = mw.RequireAuth(s.opts.Auth, h)
		} else {
			h = mw.RequireAdminKey(s.opts.AdminKey, h)
		}
		h = mw.AllowCIDRs(s.opts.AllowCIDRs, s.opts.IPResolver, h)
		h = mw.MaxBodyBytes(s.opts.MaxBodyBytes, h)
	}
	h = mw.AccessLog(s.log, h)
	h = mw.Instrument(s.opts.Metrics, h)
	h = mw.WithRoute(route, h)
	h = mw.RequestID(h)
	h = mw.Recover(s.log, h)
	return h
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	goVer := ""
	if info, ok := debug.ReadBuildInfo(); ok {
		goVer = info.GoVersion
	}
	out := map[string]any{
		"time_utc":       time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"go_version":     goVer,
		"buckets":        s.opts.Set.Names(),
		"tables":         tableNames(s.opts.Tables),
	}
	for k, v := range s.opts.Info {
		out[k] = v
	}
	mw.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) limits(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.opts.Set.Snapshots(r.Context())
	if err != nil {
		s.limiterError(w, r, err)
		return
	}
	mw.WriteJSON(w, http.StatusOK, snaps)
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) {
	l, ok := s.bucket(w, r.PathValue("bucket"))
	if !ok {
		return
	}
	snap, err := l.Snapshot(r.Context())
	if err != nil {
		s.limiterError(w, r, err)
		return
	}
	mw.WriteJSON(w, http.StatusOK, snap)
}

type weightRequest struct {
	Bucket string `json:"bucket"`
	Weight int64  `json:"weight"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(ctx context.Context, l ratelimit.Limiter, weight int64) (ratelimit.Decision, error) {
		return l.Check(ctx, weight)
	})
}

func (s *Server) acquire(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(ctx context.Context, l ratelimit.Limiter, weight int64) (ratelimit.Decision, error) {
		return l.Acquire(ctx, weight)
	})
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(context.Context, ratelimit.Limiter, int64) (ratelimit.Decision, error)) {
	req, ok := decodeWeight(w, r)
	if !ok {
		return
	}
	l, ok := s.bucket(w, req.Bucket)
	if !ok {
		return
	}
	dec, err := fn(r.Context(), l, req.Weight)
	if err != nil {
		s.limiterError(w, r, err)
		return
	}
	mw.WriteDecision(w, req.Bucket, dec)
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeWeight(w, r)
	if !ok {
		return
	}
	l, ok := s.bucket(w, req.Bucket)
	if !ok {
		return
	}
	l.Record(req.Weight)
	mw.WriteJSON(w, http.StatusAccepted, map[string]any{
		"bucket": req.Bucket,
		"weight": req.Weight,
	})
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	table := strings.TrimSpace(q.Get("table"))
	if table == "" {
		table = weight.RequestTable
	}
	n, err := strconv.Atoi(q.Get("n"))
	if err != nil {
		mw.WriteError(w, http.StatusBadRequest, "invalid_n")
		return
	}
	cost, err := s.opts.Tables.Classify(table, n)
	switch {
	case err == nil:
	case errors.Is(err, weight.ErrInvalidMagnitude), errors.Is(err, weight.ErrOutOfRange):
		mw.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "out_of_range", "detail": err.Error()})
		return
	default:
		mw.WriteError(w, http.StatusNotFound, "unknown_table")
		return
	}
	mw.WriteJSON(w, http.StatusOK, map[string]any{
		"table":  table,
		"n":      n,
		"weight": cost,
	})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	mem, ok := s.opts.Stats.(*stats.MemoryStore)
	if !ok {
		mw.WriteError(w, http.StatusNotFound, "stats_unavailable")
		return
	}
	mw.WriteJSON(w, http.StatusOK, map[string]any{
		"total":       mem.Total(),
		"by_bucket":   mem.ByBucket(),
		"by_endpoint": mem.ByEndpoint(),
	})
}

func (s *Server) klines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kq := exchange.KlineQuery{
		Symbol:   q.Get("symbol"),
		Interval: q.Get("interval"),
	}
	for name, dst := range map[string]*int64{"start_time": &kq.StartTime, "end_time": &kq.EndTime} {
		if v := q.Get(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				mw.WriteError(w, http.StatusBadRequest, "invalid_"+name)
				return
			}
			*dst = n
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			mw.WriteError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		kq.Limit = n
	}

	rows, err := s.opts.Exchange.Klines(r.Context(), kq)
	var rl *exchange.RateLimitedError
	switch {
	case err == nil:
		mw.WriteJSON(w, http.StatusOK, rows)
	case errors.As(err, &rl):
		secs := int64(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		mw.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":          "rate_limited",
			"scope":          rl.Scope,
			"weight":         rl.Weight,
			"retry_after_ms": rl.RetryAfter.Milliseconds(),
			"oversized":      rl.Oversized,
		})
	case errors.Is(err, exchange.ErrInvalidInterval), errors.Is(err, weight.ErrInvalidMagnitude), errors.Is(err, weight.ErrOutOfRange):
		mw.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "bad_request", "detail": err.Error()})
	default:
		s.log.Warn("kline fetch failed", slog.String("rid", mw.RID(r.Context())), slog.String("error", err.Error()))
		mw.WriteError(w, http.StatusBadGateway, "upstream_error")
	}
}

func (s *Server) bucket(w http.ResponseWriter, name string) (*ratelimit.WindowLimiter, bool) {
	l, ok := s.opts.Set.Get(strings.TrimSpace(name))
	if !ok {
		mw.WriteError(w, http.StatusNotFound, "unknown_bucket")
		return nil, false
	}
	return l, true
}

func (s *Server) limiterError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ratelimit.ErrClosed):
		mw.WriteError(w, http.StatusServiceUnavailable, "shutting_down")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		mw.WriteError(w, http.StatusServiceUnavailable, "timeout")
	default:
		s.log.Error("limiter error", slog.String("rid", mw.RID(r.Context())), slog.String("error", err.Error()))
		mw.WriteError(w, http.StatusInternalServerError, "internal_error")
	}
}

func decodeWeight(w http.ResponseWriter, r *http.Request) (weightRequest, bool) {
	var req weightRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			mw.WriteError(w, http.StatusRequestEntityTooLarge, "request_too_large")
			return req, false
		}
		mw.WriteError(w, http.StatusBadRequest, "invalid_json")
		return req, false
	}
	if strings.TrimSpace(req.Bucket) == "" {
		mw.WriteError(w, http.StatusBadRequest, "bucket_required")
		return req, false
	}
	return req, true
}

func tableNames(ts weight.Tables) []string {
	out := make([]string, 0, len(ts))
	for name := range ts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
