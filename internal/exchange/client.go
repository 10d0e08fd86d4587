// Package exchange is a REST client for a Binance-style market data API.
//
// Every call is priced with a weight table and its weight is acquired from
// the limiter before it is sent. The charge stands whether or not a response
// arrives.
// A refusal is returned as *RateLimitedError; the client never waits or
// retries on its own.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/3xpluto/weightgate/internal/ratelimit"
	"github.com/3xpluto/weightgate/internal/stats"
	"github.com/3xpluto/weightgate/internal/weight"
)

const (
	APIKeyHeader     = "X-MBX-APIKEY"
	UsedWeightHeader = "X-MBX-USED-WEIGHT-1M"

	exchangeInfoWeight = 20
	defaultKlineLimit  = 500
	defaultDepthLimit  = 100
	maxResponseBytes   = 32 << 20
)

type Options struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	// Limiter guards the weight bucket named by Bucket.
	Limiter ratelimit.Limiter
	Bucket  string
	Tables  weight.Tables
	// RequestsPerMinute caps raw request count independently of weight.
	// Zero disables the cap.
	RequestsPerMinute int
	Stats             stats.Store
	Logger            *slog.Logger
	Now               func() time.Time
}

type Client struct {
	base     string
	apiKey   string
	http     *http.Client
	limiter  ratelimit.Limiter
	bucket   string
	tables   weight.Tables
	requests *rate.Limiter
	stats    stats.Store
	log      *slog.Logger
	now      func() time.Time
}

func New(opts Options) (*Client, error) {
	if opts.Limiter == nil {
		return nil, errors.New("exchange: weight limiter is required")
	}
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("exchange: invalid base url %q", opts.BaseURL)
	}
	c := &Client{
		base:    strings.TrimRight(u.String(), "/"),
		apiKey:  strings.TrimSpace(opts.APIKey),
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		bucket:  opts.Bucket,
		tables:  opts.Tables,
		stats:   opts.Stats,
		log:     opts.Logger,
		now:     opts.Now,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.tables == nil {
		if c.tables, err = weight.DefaultTables(nil); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{weight.RequestTable, weight.KlinesTable} {
		if _, ok := c.tables[name]; !ok {
			return nil, fmt.Errorf("exchange: weight table %q is required", name)
		}
	}
	if c.stats == nil {
		c.stats = stats.Nop{}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if rpm := opts.RequestsPerMinute; rpm > 0 {
		c.requests = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	}
	return c, nil
}

func (c *Client) Klines(ctx context.Context, q KlineQuery) ([]Kline, error) {
	symbol := strings.ToUpper(strings.TrimSpace(q.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrRequest)
	}
	if !ValidInterval(q.Interval) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInterval, q.Interval)
	}
	limit := q.Limit
	if limit == 0 {
		limit = defaultKlineLimit
	}
	cost, err := c.tables.Classify(weight.KlinesTable, limit)
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", q.Interval)
	if q.StartTime > 0 {
		params.Set("startTime", strconv.FormatInt(q.StartTime, 10))
	}
	if q.EndTime > 0 {
		params.Set("endTime", strconv.FormatInt(q.EndTime, 10))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	body, err := c.get(ctx, "klines", "/api/v3/klines", params, cost)
	if err != nil {
		return nil, err
	}
	return parseKlines(body, symbol, q.Interval)
}

func (c *Client) TradingPairs(ctx context.Context) ([]TradingPair, error) {
	body, err := c.get(ctx, "exchange_info", "/api/v3/exchangeInfo", nil, exchangeInfoWeight)
	if err != nil {
		return nil, err
	}
	return parseTradingPairs(body)
}

func (c *Client) OrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return OrderBook{}, fmt.Errorf("%w: symbol is required", ErrRequest)
	}
	if limit == 0 {
		limit = defaultDepthLimit
	}
	cost, err := c.tables.Classify(weight.RequestTable, limit)
	if err != nil {
		return OrderBook{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "depth", "/api/v3/depth", params, cost)
	if err != nil {
		return OrderBook{}, err
	}
	return parseOrderBook(body, symbol)
}

func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values, cost int64) ([]byte, error) {
	if err := c.admit(ctx, endpoint, cost); err != nil {
		return nil, err
	}

	target := c.base + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRequest, endpoint, err)
	}
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRequest, endpoint, err)
	}
	defer resp.Body.Close()

	if used := resp.Header.Get(UsedWeightHeader); used != "" {
		c.log.Debug("exchange weight usage",
			slog.String("endpoint", endpoint),
			slog.String("bucket", c.bucket),
			slog.String("provider_used_weight", used),
		)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: reading body: %v", ErrRequest, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrRequest, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// admit reserves one raw request and then acquires the weight, so the
// weight is charged before the call goes out and concurrent callers cannot
// all pass on the same headroom. A refused weight hands the request back.
func (c *Client) admit(ctx context.Context, endpoint string, cost int64) error {
	var res *rate.Reservation
	if c.requests != nil {
		now := c.now()
		res = c.requests.ReserveN(now, 1)
		if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			return &RateLimitedError{Scope: ScopeRequests, Endpoint: endpoint, Weight: cost, RetryAfter: d}
		}
	}

	dec, err := c.limiter.Acquire(ctx, cost)
	if err != nil {
		if res != nil {
			res.CancelAt(c.now())
		}
		return err
	}
	if err := c.stats.Record(ctx, stats.Event{
		Bucket:   c.bucket,
		Endpoint: endpoint,
		Weight:   cost,
		Allowed:  dec.Allowed,
		At:       c.now(),
	}); err != nil {
		c.log.Warn("stats record failed", slog.String("endpoint", endpoint), slog.String("error", err.Error()))
	}
	if !dec.Allowed {
		if res != nil {
			res.CancelAt(c.now())
		}
		return &RateLimitedError{
			Scope:      ScopeWeight,
			Endpoint:   endpoint,
			Weight:     cost,
			RetryAfter: dec.RetryAfter,
			Oversized:  dec.Oversized,
		}
	}
	return nil
}
