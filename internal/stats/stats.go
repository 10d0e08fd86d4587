// Package stats collects admission outcomes for dashboards. Recording is
// best-effort: callers log failures and carry on.
package stats

import (
	"context"
	"time"
)

// Event is one admission decision taken before an exchange call.
type Event struct {
	Bucket   string
	Endpoint string
	Weight   int64
	Allowed  bool
	At       time.Time
}

type Store interface {
	Record(ctx context.Context, ev Event) error
}

type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }
