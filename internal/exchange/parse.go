package exchange

import (
	"fmt"

	"github.com/tidwall/gjson"
)

const klineFields = 12

func parseKlines(body []byte, symbol, interval string) ([]Kline, error) {
	res, err := parseArray(body)
	if err != nil {
		return nil, err
	}
	rows := res.Array()
	out := make([]Kline, 0, len(rows))
	for i, row := range rows {
		f := row.Array()
		if len(f) < klineFields {
			return nil, fmt.Errorf("%w: kline %d has %d fields", ErrParse, i, len(f))
		}
		out = append(out, Kline{
			Symbol:                   symbol,
			Interval:                 interval,
			OpenTime:                 f[0].Int(),
			Open:                     f[1].Float(),
			High:                     f[2].Float(),
			Low:                      f[3].Float(),
			Close:                    f[4].Float(),
			Volume:                   f[5].Float(),
			CloseTime:                f[6].Int(),
			QuoteAssetVolume:         f[7].Float(),
			NumberOfTrades:           f[8].Int(),
			TakerBuyBaseAssetVolume:  f[9].Float(),
			TakerBuyQuoteAssetVolume: f[10].Float(),
		})
	}
	return out, nil
}

func parseTradingPairs(body []byte) ([]TradingPair, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrParse)
	}
	symbols := gjson.GetBytes(body, "symbols")
	if !symbols.IsArray() {
		return nil, fmt.Errorf("%w: expected symbols array", ErrParse)
	}
	var out []TradingPair
	for i, s := range symbols.Array() {
		name := s.Get("symbol").String()
		if name == "" {
			return nil, fmt.Errorf("%w: symbols[%d] has no symbol", ErrParse, i)
		}
		price := s.Get(`filters.#(filterType=="PRICE_FILTER")`)
		lot := s.Get(`filters.#(filterType=="LOT_SIZE")`)
		notional := s.Get(`filters.#(filterType=="NOTIONAL")`)
		out = append(out, TradingPair{
			Symbol:                 name,
			BaseAsset:              s.Get("baseAsset").String(),
			QuoteAsset:             s.Get("quoteAsset").String(),
			Status:                 s.Get("status").String(),
			IsMarginTradingAllowed: s.Get("isMarginTradingAllowed").Bool(),
			IsSpotTradingAllowed:   s.Get("isSpotTradingAllowed").Bool(),
			MinPrice:               optFloat(price.Get("minPrice")),
			MaxPrice:               optFloat(price.Get("maxPrice")),
			TickSize:               optFloat(price.Get("tickSize")),
			MinQty:                 optFloat(lot.Get("minQty")),
			MaxQty:                 optFloat(lot.Get("maxQty")),
			StepSize:               optFloat(lot.Get("stepSize")),
			MinNotional:            optFloat(notional.Get("minNotional")),
		})
	}
	return out, nil
}

func parseOrderBook(body []byte, symbol string) (OrderBook, error) {
	if !gjson.ValidBytes(body) {
		return OrderBook{}, fmt.Errorf("%w: invalid json", ErrParse)
	}
	res := gjson.ParseBytes(body)
	id := res.Get("lastUpdateId")
	if !id.Exists() {
		return OrderBook{}, fmt.Errorf("%w: missing lastUpdateId", ErrParse)
	}
	return OrderBook{
		Symbol:       symbol,
		LastUpdateID: id.Int(),
		Bids:         levels(res.Get("bids")),
		Asks:         levels(res.Get("asks")),
	}, nil
}

func parseArray(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrParse)
	}
	res := gjson.ParseBytes(body)
	if !res.IsArray() {
		return gjson.Result{}, fmt.Errorf("%w: expected array", ErrParse)
	}
	return res, nil
}

func levels(r gjson.Result) []Level {
	rows := r.Array()
	out := make([]Level, 0, len(rows))
	for _, row := range rows {
		f := row.Array()
		if len(f) < 2 {
			continue
		}
		out = append(out, Level{Price: f[0].Float(), Qty: f[1].Float()})
	}
	return out
}

// optFloat accepts numbers and numeric strings.
func optFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.String() == "" {
		return nil
	}
	v := r.Float()
	return &v
}
