// Package weight maps a request magnitude, such as the number of rows asked
// for, to the provider's declared weight cost using an ordered tier table.
package weight

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidTable     = errors.New("weight: invalid tier table")
	ErrInvalidMagnitude = errors.New("weight: magnitude must be > 0")
	ErrOutOfRange       = errors.New("weight: magnitude above highest tier")
)

const (
	RequestTable = "request"
	KlinesTable  = "klines"
)

// Tier covers magnitudes from the previous tier's UpTo+1 through UpTo.
type Tier struct {
	UpTo int   `yaml:"up_to" json:"up_to"`
	Cost int64 `yaml:"cost" json:"cost"`
}

// Table is immutable after NewTable and safe for concurrent use.
type Table struct {
	name  string
	tiers []Tier
}

func NewTable(name string, tiers []Tier) (*Table, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTable)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: %s has no tiers", ErrInvalidTable, name)
	}
	prev := 0
	for i, t := range tiers {
		if t.UpTo <= prev {
			return nil, fmt.Errorf("%w: %s tiers[%d].up_to must be > %d", ErrInvalidTable, name, i, prev)
		}
		if t.Cost <= 0 {
			return nil, fmt.Errorf("%w: %s tiers[%d].cost must be > 0", ErrInvalidTable, name, i)
		}
		prev = t.UpTo
	}
	cp := make([]Tier, len(tiers))
	copy(cp, tiers)
	return &Table{name: name, tiers: cp}, nil
}

func (t *Table) Name() string { return t.name }

// Max is the largest magnitude the table prices.
func (t *Table) Max() int { return t.tiers[len(t.tiers)-1].UpTo }

func (t *Table) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Classify returns the cost of the first tier whose bound is >= n.
func (t *Table) Classify(n int) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: %s got %d", ErrInvalidMagnitude, t.name, n)
	}
	for _, tier := range t.tiers {
		if n <= tier.UpTo {
			return tier.Cost, nil
		}
	}
	return 0, fmt.Errorf("%w: %s got %d, max %d", ErrOutOfRange, t.name, n, t.Max())
}

// DefaultRequestTiers prices order-book style requests by depth.
func DefaultRequestTiers() []Tier {
	return []Tier{{UpTo: 100, Cost: 5}, {UpTo: 500, Cost: 25}, {UpTo: 1000, Cost: 50}, {UpTo: 5000, Cost: 250}}
}

// DefaultKlinesTiers prices kline fetches by row limit.
func DefaultKlinesTiers() []Tier {
	return []Tier{{UpTo: 100, Cost: 1}, {UpTo: 500, Cost: 2}, {UpTo: 1000, Cost: 5}, {UpTo: 5000, Cost: 10}}
}

// Tables holds the named classifiers a client charges against.
type Tables map[string]*Table

// DefaultTables returns the request and klines tables, with overrides
// replacing or adding tables by name.
func DefaultTables(overrides map[string][]Tier) (Tables, error) {
	src := map[string][]Tier{
		RequestTable: DefaultRequestTiers(),
		KlinesTable:  DefaultKlinesTiers(),
	}
	for name, tiers := range overrides {
		src[name] = tiers
	}
	out := make(Tables, len(src))
	for name, tiers := range src {
		tbl, err := NewTable(name, tiers)
		if err != nil {
			return nil, err
		}
		out[name] = tbl
	}
	return out, nil
}

func (ts Tables) Classify(table string, n int) (int64, error) {
	tbl, ok := ts[table]
	if !ok {
		return 0, fmt.Errorf("weight: unknown table %q", table)
	}
	return tbl.Classify(n)
}
