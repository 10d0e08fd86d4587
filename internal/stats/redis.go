package stats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore writes counters as hashes:
//
//	<prefix>:total               allowed|rejected|weight
//	<prefix>:bucket:<name>       allowed|rejected|weight
//	<prefix>:minute:<yyyymmddhhmm>:<name>  (expires after ttl)
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "weightgate:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "rejected"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	for _, key := range s.keys(ev.Bucket, at) {
		pipe.HIncrBy(ctx, key.name, field, 1)
		if ev.Allowed && ev.Weight > 0 {
			pipe.HIncrBy(ctx, key.name, "weight", ev.Weight)
		}
		if key.expires && s.ttl > 0 {
			pipe.Expire(ctx, key.name, s.ttl)
		}
	}
	if ev.Endpoint != "" {
		pipe.HIncrBy(ctx, s.prefix+":endpoint", ev.Endpoint+":"+field, 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

type statsKey struct {
	name    string
	expires bool
}

func (s *RedisStore) keys(bucket string, at time.Time) []statsKey {
	keys := []statsKey{{name: s.prefix + ":total"}}
	if bucket = strings.TrimSpace(bucket); bucket != "" {
		keys = append(keys,
			statsKey{name: s.prefix + ":bucket:" + bucket},
			statsKey{name: fmt.Sprintf("%s:minute:%s:%s", s.prefix, at.UTC().Format("200601021504"), bucket), expires: true},
		)
	}
	return keys
}

func (s *RedisStore) Close() error { return s.rdb.Close() }
