// Package config defines the typed configuration struct for this
// engine's runtime tunables, loaded with functional options and
// environment-variable overrides -- there is no config-file library
// beyond gopkg.in/yaml.v3 (used only for Goa DSL fixtures, not
// applicable here), so configuration stays a plain struct, grounded on
// the Options-struct pattern used throughout this codebase (e.g.
// pulse.Options, engine/temporal.Options).
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every runtime tunable this engine exposes.
type Config struct {
	APIStepTimeout      time.Duration
	SQLStepTimeout      time.Duration
	ScriptTimeout       time.Duration
	OktaConcurrentLimit int
	BatchSize           int
	BatchThreshold      int
	EventBusCapacity    int
	ProcessGraceSeconds int
	OwnerQuota          int
}

// Default returns the baseline Config.
func Default() Config {
	return Config{
		APIStepTimeout:      180 * time.Second,
		SQLStepTimeout:      60 * time.Second,
		ScriptTimeout:       180 * time.Second,
		OktaConcurrentLimit: 15,
		BatchSize:           500,
		BatchThreshold:      500,
		EventBusCapacity:    256,
		ProcessGraceSeconds: 600,
		OwnerQuota:          10,
	}
}

// Option mutates a Config during FromEnv/New construction.
type Option func(*Config)

func WithAPIStepTimeout(d time.Duration) Option { return func(c *Config) { c.APIStepTimeout = d } }
func WithSQLStepTimeout(d time.Duration) Option { return func(c *Config) { c.SQLStepTimeout = d } }
func WithScriptTimeout(d time.Duration) Option  { return func(c *Config) { c.ScriptTimeout = d } }
func WithOktaConcurrentLimit(n int) Option      { return func(c *Config) { c.OktaConcurrentLimit = n } }
func WithBatchSize(n int) Option                { return func(c *Config) { c.BatchSize = n } }
func WithBatchThreshold(n int) Option           { return func(c *Config) { c.BatchThreshold = n } }
func WithEventBusCapacity(n int) Option         { return func(c *Config) { c.EventBusCapacity = n } }
func WithProcessGraceSeconds(n int) Option      { return func(c *Config) { c.ProcessGraceSeconds = n } }
func WithOwnerQuota(n int) Option               { return func(c *Config) { c.OwnerQuota = n } }

// New builds a Config from defaults plus options, in order.
func New(opts ...Option) Config {
	c := Default()
	for _, o := range opts {
		o(&c)
	}
	return c
}

// FromEnv builds a Config from defaults, environment-variable overrides
// (QE_* prefixed, each key uppercased), then any explicit options, which
// take precedence over the environment.
func FromEnv(opts ...Option) Config {
	c := Default()
	if v, ok := envDuration("QE_API_STEP_TIMEOUT_SECONDS"); ok {
		c.APIStepTimeout = v
	}
	if v, ok := envDuration("QE_SQL_STEP_TIMEOUT_SECONDS"); ok {
		c.SQLStepTimeout = v
	}
	if v, ok := envDuration("QE_SCRIPT_TIMEOUT_SECONDS"); ok {
		c.ScriptTimeout = v
	}
	if v, ok := envInt("QE_OKTA_CONCURRENT_LIMIT"); ok {
		c.OktaConcurrentLimit = v
	}
	if v, ok := envInt("QE_BATCH_SIZE"); ok {
		c.BatchSize = v
	}
	if v, ok := envInt("QE_BATCH_THRESHOLD"); ok {
		c.BatchThreshold = v
	}
	if v, ok := envInt("QE_EVENT_BUS_CAPACITY"); ok {
		c.EventBusCapacity = v
	}
	if v, ok := envInt("QE_PROCESS_GRACE_SECONDS"); ok {
		c.ProcessGraceSeconds = v
	}
	if v, ok := envInt("QE_OWNER_QUOTA"); ok {
		c.OwnerQuota = v
	}
	for _, o := range opts {
		o(&c)
	}
	return c
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}
