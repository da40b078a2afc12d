package chatgate

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	ListenAddr          string                  `yaml:"listen_addr"`
	DefaultModel        ModelRef                `yaml:"default_model"`
	Models              []ModelAlias            `yaml:"models"`
	FocusModes          []string                `yaml:"focus_modes"`
	ResponseAllowance   int64                   `yaml:"response_allowance"`
	LookupFailurePolicy string                  `yaml:"lookup_failure_policy"`
	Storage             StorageConfig           `yaml:"storage"`
	Ledger              LedgerConfig            `yaml:"ledger"`
	Pipeline            PipelineConfig          `yaml:"pipeline"`
	Log                 LogConfig               `yaml:"log"`
	Limits              map[string]BucketLimits `yaml:"limits"`
}

// ModelAlias maps a friendly model name to a concrete model.
type ModelAlias struct {
	Alias string   `yaml:"alias"`
	Model ModelRef `yaml:"model"`
}

// StorageConfig selects the conversation/subscription backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// LedgerConfig selects the usage ledger backend. An empty driver uses the
// storage backend.
type LedgerConfig struct {
	Driver    string `yaml:"driver"` // "", memory, sqlite, postgres or redis
	RedisAddr string `yaml:"redis_addr"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PipelineConfig points at the retrieval/answer pipeline.
type PipelineConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// BucketLimits maps bucket names to token limits for one plan.
type BucketLimits map[string]int64

// Failure policy names accepted by LookupFailurePolicy.
const (
	PolicyFailOpen   = "fail_open"
	PolicyFailClosed = "fail_closed"
)

// Default values applied by LoadConfig.
const (
	DefaultListenAddr        = ":3001"
	DefaultResponseAllowance = int64(500)
	DefaultPipelineTimeout   = 5 * time.Minute
)

// DefaultFocusModes are accepted when the config lists none.
var DefaultFocusModes = []string{
	"webSearch",
	"academicSearch",
	"writingAssistant",
	"wolframAlphaSearch",
	"youtubeSearch",
	"redditSearch",
}

// LoadConfig reads and parses a YAML config file.
// A .env file in the working directory is loaded first if present, then
// environment variables in the format ${VAR} are expanded before parsing and
// FREE_LIMIT_<BUCKET>/PRO_LIMIT_<BUCKET> values override the limits table.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chatgate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("chatgate: parse config: %w", err)
	}
	var present struct {
		ResponseAllowance *int64 `yaml:"response_allowance"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &present); err != nil {
		return Config{}, fmt.Errorf("chatgate: parse config: %w", err)
	}

	cfg.applyDefaults(present.ResponseAllowance != nil)
	if err := cfg.applyLimitEnv(os.Environ()); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyDefaults fills unset fields. An explicit response_allowance of 0 is
// kept; hasAllowance reports whether the file set one.
func (c *Config) applyDefaults(hasAllowance bool) {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if !hasAllowance {
		c.ResponseAllowance = DefaultResponseAllowance
	}
	if c.LookupFailurePolicy == "" {
		c.LookupFailurePolicy = PolicyFailOpen
	}
	if len(c.FocusModes) == 0 {
		c.FocusModes = append([]string(nil), DefaultFocusModes...)
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Pipeline.Timeout == 0 {
		c.Pipeline.Timeout = DefaultPipelineTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// applyLimitEnv overlays limit variables from environ ("KEY=value" pairs).
// FREE_LIMIT_<BUCKET> sets the free plan, PRO_LIMIT_<BUCKET> the pro plans.
func (c *Config) applyLimitEnv(environ []string) error {
	prefixes := map[string]string{
		"FREE_LIMIT_": string(PlanFree),
		"PRO_LIMIT_":  "pro",
	}
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for prefix, plan := range prefixes {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			bucket, known := bucketByEnvName(strings.TrimPrefix(key, prefix))
			if !known {
				return fmt.Errorf("chatgate: config: %s: unknown bucket", key)
			}
			n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil {
				return fmt.Errorf("chatgate: config: %s: invalid limit %q", key, value)
			}
			if c.Limits == nil {
				c.Limits = make(map[string]BucketLimits)
			}
			if c.Limits[plan] == nil {
				c.Limits[plan] = make(BucketLimits)
			}
			c.Limits[plan][string(bucket)] = n
		}
	}
	return nil
}

func bucketByEnvName(name string) (Bucket, bool) {
	for _, b := range KnownBuckets() {
		if b.EnvName() == name {
			return b, true
		}
	}
	return "", false
}

func isKnownBucket(name string) bool {
	for _, b := range KnownBuckets() {
		if string(b) == name {
			return true
		}
	}
	return false
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.LookupFailurePolicy {
	case PolicyFailOpen, PolicyFailClosed:
	default:
		return fmt.Errorf("chatgate: config: invalid lookup_failure_policy %q", c.LookupFailurePolicy)
	}

	if c.ResponseAllowance < 0 {
		return fmt.Errorf("chatgate: config: response_allowance must be non-negative")
	}

	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("chatgate: config: invalid storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("chatgate: config: storage dsn is required for driver %q", c.Storage.Driver)
	}

	switch c.Ledger.Driver {
	case "", "memory", "sqlite", "postgres":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("chatgate: config: ledger redis_addr is required")
		}
	default:
		return fmt.Errorf("chatgate: config: invalid ledger driver %q", c.Ledger.Driver)
	}

	for i, m := range c.Models {
		if m.Alias == "" {
			return fmt.Errorf("chatgate: config: models[%d]: alias is required", i)
		}
		if m.Model.Name == "" {
			return fmt.Errorf("chatgate: config: models[%d] (%s): model name is required", i, m.Alias)
		}
	}

	for plan, limits := range c.Limits {
		if plan != string(PlanFree) && plan != "pro" {
			return fmt.Errorf("chatgate: config: limits: unknown plan %q", plan)
		}
		for bucket, n := range limits {
			if !isKnownBucket(bucket) {
				return fmt.Errorf("chatgate: config: limits.%s: unknown bucket %q", plan, bucket)
			}
			if n < 0 {
				return fmt.Errorf("chatgate: config: limits.%s.%s must be non-negative", plan, bucket)
			}
		}
	}

	return nil
}

// ResolvedLimits converts the configured limits table into typed Limits.
func (c Config) ResolvedLimits() Limits {
	l := make(Limits)
	for plan, limits := range c.Limits {
		for bucket, n := range limits {
			b := Bucket(bucket)
			if plan == "pro" {
				l.Set(PlanProMonthly, b, n)
				l.Set(PlanProYearly, b, n)
				continue
			}
			l.Set(Plan(plan), b, n)
		}
	}
	return l
}

// Limits maps plan × bucket to a token limit. Missing entries mean no access.
type Limits map[Plan]map[Bucket]int64

// Set stores the limit for a plan and bucket.
func (l Limits) Set(plan Plan, bucket Bucket, limit int64) {
	if l[plan] == nil {
		l[plan] = make(map[Bucket]int64)
	}
	l[plan][bucket] = limit
}

// Limit returns the limit for a plan and bucket, zero if unset.
func (l Limits) Limit(plan Plan, bucket Bucket) int64 {
	return l[plan][bucket]
}

// Buckets returns every bucket configured for the plan.
func (l Limits) Buckets(plan Plan) []Bucket {
	out := make([]Bucket, 0, len(l[plan]))
	for b := range l[plan] {
		out = append(out, b)
	}
	return out
}
