package ratelimit

import (
	"math"
	"time"
)

type entry struct {
	at     time.Time
	weight int64
}

// ledger is an insertion-ordered record of admitted weight. It is not safe
// for concurrent use; the owning limiter serializes access.
type ledger struct {
	entries []entry
	head    int
	total   int64
}

// add saturates the total at math.MaxInt64. The stored weight is trimmed to
// match so eviction subtracts exactly what was added.
func (l *ledger) add(at time.Time, weight int64) {
	if weight > math.MaxInt64-l.total {
		weight = math.MaxInt64 - l.total
	}
	l.entries = append(l.entries, entry{at: at, weight: weight})
	l.total += weight
}

// evict drops entries that are no longer inside the window ending at now.
// An entry counts while now-at < window.
func (l *ledger) evict(now time.Time, window time.Duration) int {
	n := 0
	for l.head < len(l.entries) {
		e := l.entries[l.head]
		if now.Sub(e.at) < window {
			break
		}
		l.total -= e.weight
		l.entries[l.head] = entry{}
		l.head++
		n++
	}
	l.compact()
	return n
}

func (l *ledger) compact() {
	if l.head == len(l.entries) {
		l.entries = l.entries[:0]
		l.head = 0
		return
	}
	if l.head >= 64 && l.head*2 >= len(l.entries) {
		live := copy(l.entries, l.entries[l.head:])
		clear(l.entries[live:])
		l.entries = l.entries[:live]
		l.head = 0
	}
}

func (l *ledger) oldest() (entry, bool) {
	if l.head >= len(l.entries) {
		return entry{}, false
	}
	return l.entries[l.head], true
}

func (l *ledger) newest() (entry, bool) {
	if l.head >= len(l.entries) {
		return entry{}, false
	}
	return l.entries[len(l.entries)-1], true
}

func (l *ledger) len() int { return len(l.entries) - l.head }
