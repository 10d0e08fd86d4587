package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3xpluto/weightgate/internal/netx"
	"github.com/3xpluto/weightgate/internal/ratelimit"
	"github.com/3xpluto/weightgate/internal/weight"
)

const (
	AdminKeyEnv   = "WEIGHTGATE_ADMIN_KEY"
	HMACSecretEnv = "WEIGHTGATE_HMAC_SECRET"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Admin    AdminConfig    `yaml:"admin"`
	Buckets  []BucketConfig `yaml:"buckets"`
	Tiers    []TierTable    `yaml:"tiers"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Stats    StatsConfig    `yaml:"stats"`
}

type ServerConfig struct {
	Addr                     string `yaml:"addr"`
	ReadTimeoutSeconds       int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int    `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int    `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int    `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `yaml:"shutdown_timeout_seconds"`
}

type AdminConfig struct {
	AuthMode   string   `yaml:"auth_mode"`   // "hmac" | "key"
	HMACSecret string   `yaml:"hmac_secret"` // HS256 secret (hmac mode)
	Key        string   `yaml:"key"`         // static X-Admin-Key (key mode)
	Issuer     string   `yaml:"issuer"`      // required iss claim (hmac mode)
	AllowCIDRs []string `yaml:"allow_cidrs"`
	// TrustedProxies may set X-Forwarded-For for the allowlist check.
	TrustedProxies []string `yaml:"trusted_proxies"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
}

type BucketConfig struct {
	Name              string `yaml:"name"`
	WindowMS          int64  `yaml:"window_ms"`
	CleanupIntervalMS int64  `yaml:"cleanup_interval_ms"`
	Capacity          int64  `yaml:"capacity"`
	MailboxSize       int    `yaml:"mailbox_size"`
}

func (b BucketConfig) Limiter() ratelimit.Config {
	return ratelimit.Config{
		Window:          time.Duration(b.WindowMS) * time.Millisecond,
		CleanupInterval: time.Duration(b.CleanupIntervalMS) * time.Millisecond,
		Capacity:        b.Capacity,
	}
}

type TierTable struct {
	Name  string        `yaml:"name"`
	Tiers []weight.Tier `yaml:"tiers"`
}

type ExchangeConfig struct {
	BaseURL                      string `yaml:"base_url"`
	APIKey                       string `yaml:"api_key"`
	RequestsPerMinute            int    `yaml:"requests_per_minute"`
	WeightBucket                 string `yaml:"weight_bucket"`
	DialTimeoutSeconds           int    `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int    `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int    `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int    `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int    `yaml:"max_idle_conns_per_host"`
}

type StatsConfig struct {
	Backend string           `yaml:"backend"` // "memory" | "redis" | "none"
	Redis   RedisStatsConfig `yaml:"redis"`
}

type RedisStatsConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Prefix     string `yaml:"prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(AdminKeyEnv); v != "" {
		cfg.Admin.Key = v
	}
	if v := os.Getenv(HMACSecretEnv); v != "" {
		cfg.Admin.HMACSecret = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8090"
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 5
	}

	if cfg.Admin.AuthMode == "" {
		cfg.Admin.AuthMode = "key"
	}
	if cfg.Admin.Issuer == "" {
		cfg.Admin.Issuer = "weightgate"
	}
	if cfg.Admin.MaxBodyBytes == 0 {
		cfg.Admin.MaxBodyBytes = 64 << 10 // 64 KiB
	}

	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://api.binance.com"
	}
	if cfg.Exchange.WeightBucket == "" && len(cfg.Buckets) > 0 {
		cfg.Exchange.WeightBucket = cfg.Buckets[0].Name
	}
	if cfg.Exchange.DialTimeoutSeconds == 0 {
		cfg.Exchange.DialTimeoutSeconds = 5
	}
	if cfg.Exchange.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Exchange.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Exchange.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Exchange.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Exchange.IdleConnTimeoutSeconds == 0 {
		cfg.Exchange.IdleConnTimeoutSeconds = 90
	}
	if cfg.Exchange.MaxIdleConns == 0 {
		cfg.Exchange.MaxIdleConns = 100
	}
	if cfg.Exchange.MaxIdleConnsPerHost == 0 {
		cfg.Exchange.MaxIdleConnsPerHost = 20
	}

	if cfg.Stats.Backend == "" {
		cfg.Stats.Backend = "memory"
	}
	if cfg.Stats.Redis.Prefix == "" {
		cfg.Stats.Redis.Prefix = "weightgate:stats"
	}
	if cfg.Stats.Redis.TTLSeconds == 0 {
		cfg.Stats.Redis.TTLSeconds = 24 * 60 * 60
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Buckets) == 0 {
		return errors.New("no buckets configured")
	}

	seen := map[string]struct{}{}
	for i, b := range cfg.Buckets {
		idx := fmt.Sprintf("buckets[%d]", i)
		name := strings.TrimSpace(b.Name)
		if name == "" {
			return fmt.Errorf("%s.name is required", idx)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("duplicate bucket name: %q", name)
		}
		seen[name] = struct{}{}

		if b.WindowMS <= 0 {
			return fmt.Errorf("%s.window_ms must be > 0", idx)
		}
		if b.CleanupIntervalMS <= 0 {
			return fmt.Errorf("%s.cleanup_interval_ms must be > 0", idx)
		}
		if b.Capacity <= 0 {
			return fmt.Errorf("%s.capacity must be > 0", idx)
		}
		if b.MailboxSize < 0 {
			return fmt.Errorf("%s.mailbox_size cannot be negative", idx)
		}
	}

	tables := map[string]struct{}{}
	for i, t := range cfg.Tiers {
		name := strings.TrimSpace(t.Name)
		if _, ok := tables[name]; ok {
			return fmt.Errorf("duplicate tier table: %q", name)
		}
		tables[name] = struct{}{}
		if _, err := weight.NewTable(name, t.Tiers); err != nil {
			return fmt.Errorf("tiers[%d]: %w", i, err)
		}
	}

	if _, ok := seen[cfg.Exchange.WeightBucket]; !ok {
		return fmt.Errorf("exchange.weight_bucket %q is not a configured bucket", cfg.Exchange.WeightBucket)
	}
	u, err := url.Parse(cfg.Exchange.BaseURL)
	if err != nil {
		return fmt.Errorf("exchange.base_url invalid: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("exchange.base_url must be http or https")
	}
	if cfg.Exchange.RequestsPerMinute < 0 {
		return fmt.Errorf("exchange.requests_per_minute cannot be negative")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Admin.AuthMode)) {
	case "hmac":
		if strings.TrimSpace(cfg.Admin.HMACSecret) == "" {
			return fmt.Errorf("admin.hmac_secret is required when admin.auth_mode is hmac")
		}
	case "key":
	default:
		return fmt.Errorf("admin.auth_mode must be 'hmac' or 'key'")
	}
	if _, err := netx.ParseCIDRSet(cfg.Admin.AllowCIDRs); err != nil {
		return fmt.Errorf("admin.allow_cidrs: %w", err)
	}
	if _, err := netx.ParseCIDRSet(cfg.Admin.TrustedProxies); err != nil {
		return fmt.Errorf("admin.trusted_proxies: %w", err)
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Stats.Backend))
	switch backend {
	case "memory", "none":
	case "redis":
		if strings.TrimSpace(cfg.Stats.Redis.Addr) == "" {
			return fmt.Errorf("stats.redis.addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("stats.backend must be 'memory', 'redis' or 'none'")
	}
	return nil
}

// LimiterBuckets converts the bucket section into limiter definitions.
func (c *Config) LimiterBuckets() []ratelimit.Bucket {
	out := make([]ratelimit.Bucket, 0, len(c.Buckets))
	for _, b := range c.Buckets {
		out = append(out, ratelimit.Bucket{
			Name:        strings.TrimSpace(b.Name),
			Config:      b.Limiter(),
			MailboxSize: b.MailboxSize,
		})
	}
	return out
}

// TierOverrides returns configured tables keyed by name, for weight.DefaultTables.
func (c *Config) TierOverrides() map[string][]weight.Tier {
	out := make(map[string][]weight.Tier, len(c.Tiers))
	for _, t := range c.Tiers {
		out[strings.TrimSpace(t.Name)] = t.Tiers
	}
	return out
}
