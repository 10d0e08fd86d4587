package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Bucket names one quota and its window settings.
type Bucket struct {
	Name   string
	Config Config
	// MailboxSize overrides the default queue depth when > 0.
	MailboxSize int
}

// Set holds independently running limiters, one per bucket. Buckets share no
// state; each has its own ledger and goroutine.
type Set struct {
	limiters map[string]*WindowLimiter
	names    []string
}

func NewSet(buckets []Bucket, opts ...Option) (*Set, error) {
	s := &Set{limiters: make(map[string]*WindowLimiter, len(buckets))}
	for i, b := range buckets {
		name := strings.TrimSpace(b.Name)
		if name == "" {
			s.Close()
			return nil, fmt.Errorf("%w: buckets[%d] has no name", ErrInvalidConfig, i)
		}
		if _, ok := s.limiters[name]; ok {
			s.Close()
			return nil, fmt.Errorf("%w: duplicate bucket %q", ErrInvalidConfig, name)
		}
		bopts := opts
		if b.MailboxSize > 0 {
			bopts = append(append([]Option{}, opts...), WithMailboxSize(b.MailboxSize))
		}
		l, err := New(name, b.Config, bopts...)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.limiters[name] = l
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
	return s, nil
}

func (s *Set) Get(name string) (*WindowLimiter, bool) {
	l, ok := s.limiters[name]
	return l, ok
}

func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func (s *Set) Snapshots(ctx context.Context) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(s.names))
	for _, name := range s.names {
		snap, err := s.limiters[name].Snapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("snapshot %q: %w", name, err)
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Set) Close() error {
	var errs []error
	for _, l := range s.limiters {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
