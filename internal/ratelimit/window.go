package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultMailboxSize = 1024

type opKind uint8

const (
	opCheck opKind = iota
	opAcquire
	opRecord
	opSweep
	opSnapshot
)

type request struct {
	op     opKind
	weight int64
	at     time.Time
	reply  chan reply
}

type reply struct {
	dec     Decision
	evicted int
	snap    Snapshot
}

// WindowLimiter admits weight against a sliding window. A single goroutine
// owns the ledger; every operation, including the periodic sweep, is handled
// one at a time in mailbox order.
type WindowLimiter struct {
	name    string
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	metrics *Metrics

	mailboxSize int
	mailbox     chan request
	stopCh      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	// owned by run
	ledger ledger
}

var _ Limiter = (*WindowLimiter)(nil)

type Option func(*WindowLimiter)

// WithClock replaces time.Now. Tests use it to step time deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) { l.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *WindowLimiter) { l.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(l *WindowLimiter) { l.metrics = m }
}

func WithMailboxSize(n int) Option {
	return func(l *WindowLimiter) { l.mailboxSize = n }
}

func New(name string, cfg Config, opts ...Option) (*WindowLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("bucket %q: %w", name, err)
	}
	l := &WindowLimiter{
		name:        name,
		cfg:         cfg,
		now:         time.Now,
		log:         slog.Default(),
		mailboxSize: defaultMailboxSize,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.mailboxSize <= 0 {
		l.mailboxSize = defaultMailboxSize
	}
	l.mailbox = make(chan request, l.mailboxSize)
	go l.run()
	return l, nil
}

func (l *WindowLimiter) Name() string   { return l.name }
func (l *WindowLimiter) Config() Config { return l.cfg }

func (l *WindowLimiter) run() {
	defer close(l.done)
	t := time.NewTicker(l.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case req := <-l.mailbox:
			l.handle(req)
		case <-t.C:
			if n := l.sweep(l.now()); n > 0 {
				l.log.Debug("ledger swept",
					slog.String("bucket", l.name),
					slog.Int("evicted", n),
					slog.Int("entries", l.ledger.len()),
				)
			}
		case <-l.stopCh:
			return
		}
	}
}

func (l *WindowLimiter) handle(req request) {
	switch req.op {
	case opRecord:
		l.record(req.at, req.weight)
	case opCheck:
		req.reply <- reply{dec: l.check(req.weight)}
	case opAcquire:
		dec := l.check(req.weight)
		if dec.Allowed && req.weight > 0 {
			l.record(l.now(), req.weight)
			dec.Usage = l.ledger.total
		}
		req.reply <- reply{dec: dec}
	case opSweep:
		req.reply <- reply{evicted: l.sweep(l.now())}
	case opSnapshot:
		req.reply <- reply{snap: l.snapshot()}
	}
}

func (l *WindowLimiter) sweep(now time.Time) int {
	n := l.ledger.evict(now, l.cfg.Window)
	l.metrics.ledger(l.name, &l.ledger, n)
	return n
}

func (l *WindowLimiter) record(at time.Time, weight int64) {
	l.sweep(l.now())
	// Keep the ledger time-ordered when callers raced to enqueue.
	if last, ok := l.ledger.newest(); ok && at.Before(last.at) {
		at = last.at
	}
	l.ledger.add(at, weight)
	l.metrics.recorded(l.name, weight)
	l.metrics.ledger(l.name, &l.ledger, 0)
}

func (l *WindowLimiter) check(weight int64) Decision {
	now := l.now()
	l.sweep(now)

	d := Decision{Weight: weight, Usage: l.ledger.total, Capacity: l.cfg.Capacity}
	d.Oversized = weight > l.cfg.Capacity
	// Compare against the headroom so huge weights cannot overflow the sum.
	if weight <= 0 || (!d.Oversized && weight <= l.cfg.Capacity-l.ledger.total) {
		d.Allowed = true
		l.metrics.decision(l.name, d)
		return d
	}
	if e, ok := l.ledger.oldest(); ok {
		if wait := e.at.Add(l.cfg.Window).Sub(now); wait > 0 {
			d.RetryAfter = wait
		}
	}
	l.metrics.decision(l.name, d)
	return d
}

func (l *WindowLimiter) snapshot() Snapshot {
	now := l.now()
	l.sweep(now)
	s := Snapshot{
		Bucket:   l.name,
		Window:   l.cfg.Window,
		Capacity: l.cfg.Capacity,
		Usage:    l.ledger.total,
		Entries:  l.ledger.len(),
		WindowMS: l.cfg.Window.Milliseconds(),
	}
	s.Remaining = max(s.Capacity-s.Usage, 0)
	if e, ok := l.ledger.oldest(); ok {
		s.OldestAge = now.Sub(e.at)
		s.OldestMS = s.OldestAge.Milliseconds()
	}
	return s
}

// Check reports whether weight fits in the current window without recording
// it. Weights <= 0 are always admitted.
func (l *WindowLimiter) Check(ctx context.Context, weight int64) (Decision, error) {
	rep, err := l.call(ctx, opCheck, weight)
	return rep.dec, err
}

// Acquire checks and, when admitted, records weight in the same step. If ctx
// ends after the request was queued the weight may still have been recorded.
func (l *WindowLimiter) Acquire(ctx context.Context, weight int64) (Decision, error) {
	rep, err := l.call(ctx, opAcquire, weight)
	return rep.dec, err
}

// Record queues weight as consumed now. It does not wait for the ledger
// update and never re-validates capacity. Weights <= 0 and records after
// Close are dropped.
func (l *WindowLimiter) Record(weight int64) {
	if weight <= 0 {
		return
	}
	req := request{op: opRecord, weight: weight, at: l.now()}
	select {
	case l.mailbox <- req:
		return
	case <-l.stopCh:
		return
	default:
	}
	l.log.Warn("limiter mailbox full, record waiting",
		slog.String("bucket", l.name),
		slog.Int("mailbox_size", l.mailboxSize),
	)
	select {
	case l.mailbox <- req:
	case <-l.stopCh:
	}
}

// Sweep evicts expired entries immediately and returns how many were removed.
func (l *WindowLimiter) Sweep(ctx context.Context) (int, error) {
	rep, err := l.call(ctx, opSweep, 0)
	return rep.evicted, err
}

func (l *WindowLimiter) Snapshot(ctx context.Context) (Snapshot, error) {
	rep, err := l.call(ctx, opSnapshot, 0)
	return rep.snap, err
}

func (l *WindowLimiter) call(ctx context.Context, op opKind, weight int64) (reply, error) {
	req := request{op: op, weight: weight, reply: make(chan reply, 1)}
	select {
	case l.mailbox <- req:
	case <-l.stopCh:
		return reply{}, ErrClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case rep := <-req.reply:
		return rep, nil
	case <-l.done:
		select {
		case rep := <-req.reply:
			return rep, nil
		default:
			return reply{}, ErrClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

func (l *WindowLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.stopCh) })
	<-l.done
	return nil
}
