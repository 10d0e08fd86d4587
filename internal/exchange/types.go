package exchange

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRequest         = errors.New("exchange: request failed")
	ErrParse           = errors.New("exchange: unexpected response")
	ErrInvalidInterval = errors.New("exchange: invalid interval")
	ErrRateLimited     = errors.New("exchange: rate limited")
)

const (
	ScopeWeight   = "weight"
	ScopeRequests = "requests"
)

// RateLimitedError is returned when a call is refused before it is sent.
// It matches ErrRateLimited with errors.Is.
type RateLimitedError struct {
	Scope      string
	Endpoint   string
	Weight     int64
	RetryAfter time.Duration
	// Oversized means the weight exceeds the bucket capacity outright.
	Oversized bool
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("exchange: %s limit reached for %s (weight %d), retry after %s",
		e.Scope, e.Endpoint, e.Weight, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// Kline times are unix milliseconds.
type Kline struct {
	Symbol                   string  `json:"symbol"`
	Interval                 string  `json:"interval"`
	OpenTime                 int64   `json:"open_time"`
	CloseTime                int64   `json:"close_time"`
	Open                     float64 `json:"open"`
	High                     float64 `json:"high"`
	Low                      float64 `json:"low"`
	Close                    float64 `json:"close"`
	Volume                   float64 `json:"volume"`
	QuoteAssetVolume         float64 `json:"quote_asset_volume"`
	NumberOfTrades           int64   `json:"number_of_trades"`
	TakerBuyBaseAssetVolume  float64 `json:"taker_buy_base_asset_volume"`
	TakerBuyQuoteAssetVolume float64 `json:"taker_buy_quote_asset_volume"`
}

type KlineQuery struct {
	Symbol    string
	Interval  string
	StartTime int64 // unix ms, 0 to omit
	EndTime   int64 // unix ms, 0 to omit
	Limit     int   // 0 uses the provider default
}

// TradingPair filter values are nil when the provider omits the filter.
type TradingPair struct {
	Symbol                 string   `json:"symbol"`
	BaseAsset              string   `json:"base_asset"`
	QuoteAsset             string   `json:"quote_asset"`
	Status                 string   `json:"status"`
	IsMarginTradingAllowed bool     `json:"is_margin_trading_allowed"`
	IsSpotTradingAllowed   bool     `json:"is_spot_trading_allowed"`
	MinPrice               *float64 `json:"min_price,omitempty"`
	MaxPrice               *float64 `json:"max_price,omitempty"`
	TickSize               *float64 `json:"tick_size,omitempty"`
	MinQty                 *float64 `json:"min_qty,omitempty"`
	MaxQty                 *float64 `json:"max_qty,omitempty"`
	StepSize               *float64 `json:"step_size,omitempty"`
	MinNotional            *float64 `json:"min_notional,omitempty"`
}

type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

type OrderBook struct {
	Symbol       string  `json:"symbol"`
	LastUpdateID int64   `json:"last_update_id"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
}

var validIntervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {}, "1M": {},
}

func ValidInterval(s string) bool {
	_, ok := validIntervals[s]
	return ok
}
