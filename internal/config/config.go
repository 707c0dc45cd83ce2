// Package config holds the process configuration of the mailauth server and
// CLI: resolver, cache, evaluator limits, HTTP server and logging.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/dns"
	"github.com/synqronlabs/mailauth/spf"
)

type Config struct {
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	SPF      SPFConfig      `yaml:"spf" mapstructure:"spf"`
	DKIM     DKIMConfig     `yaml:"dkim" mapstructure:"dkim"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

type ResolverConfig struct {
	// Backend is "miekg" (DNSSEC aware) or "std" (net.Resolver).
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Nameservers to query, e.g. "9.9.9.9:53". Empty uses
	// /etc/resolv.conf.
	Nameservers []string `yaml:"nameservers" mapstructure:"nameservers"`

	// Timeout is the timeout of a single query to one nameserver.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// LookupTimeout bounds a lookup including retries.
	LookupTimeout time.Duration `yaml:"lookup_timeout" mapstructure:"lookup_timeout"`

	Retries int  `yaml:"retries" mapstructure:"retries"`
	DNSSEC  bool `yaml:"dnssec" mapstructure:"dnssec"`
}

type CacheConfig struct {
	Disabled    bool          `yaml:"disabled" mapstructure:"disabled"`
	Size        int           `yaml:"size" mapstructure:"size"`
	MinTTL      time.Duration `yaml:"min_ttl" mapstructure:"min_ttl"`
	MaxTTL      time.Duration `yaml:"max_ttl" mapstructure:"max_ttl"`
	DefaultTTL  time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl" mapstructure:"negative_ttl"`
}

type SPFConfig struct {
	MaxLookups      int  `yaml:"max_lookups" mapstructure:"max_lookups"`
	MaxVoidLookups  int  `yaml:"max_void_lookups" mapstructure:"max_void_lookups"`
	MaxDepth        int  `yaml:"max_depth" mapstructure:"max_depth"`
	Prefetch        bool `yaml:"prefetch" mapstructure:"prefetch"`
	ExpandUnreached bool `yaml:"expand_unreached" mapstructure:"expand_unreached"`

	// Receiver is the host name reported by the %{r} macro.
	Receiver string `yaml:"receiver" mapstructure:"receiver"`
}

type DKIMConfig struct {
	MinRSAKeyBits int `yaml:"min_rsa_key_bits" mapstructure:"min_rsa_key_bits"`
	Concurrency   int `yaml:"concurrency" mapstructure:"concurrency"`
}

type ServerConfig struct {
	Listen          string        `yaml:"listen" mapstructure:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`

	// MaxBodyBytes limits the size of a check request.
	MaxBodyBytes int64 `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`

	// EvaluationTimeout bounds one evaluation.
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout" mapstructure:"evaluation_timeout"`

	// AuthservID, when set, adds an Authentication-Results header with
	// this authserv-id to check responses.
	AuthservID string `yaml:"authserv_id" mapstructure:"authserv_id"`
}

type LogConfig struct {
	Level   string `yaml:"level" mapstructure:"level"`
	Format  string `yaml:"format" mapstructure:"format"` // console, json
	NoColor bool   `yaml:"no_color" mapstructure:"no_color"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	engine := mailauth.DefaultConfig()
	return &Config{
		Resolver: ResolverConfig{
			Backend:       engine.Backend,
			Timeout:       5 * time.Second,
			LookupTimeout: engine.LookupTimeout,
		},
		Cache: CacheConfig{
			Size:        4096,
			MinTTL:      5 * time.Second,
			MaxTTL:      time.Hour,
			DefaultTTL:  time.Minute,
			NegativeTTL: time.Minute,
		},
		SPF: SPFConfig{
			MaxLookups:     spf.DefaultMaxLookups,
			MaxVoidLookups: spf.DefaultMaxVoidLookups,
			MaxDepth:       spf.DefaultMaxDepth,
			Prefetch:       true,
			Receiver:       engine.Receiver,
		},
		DKIM: DKIMConfig{
			MinRSAKeyBits: dkim.DefaultMinRSAKeyBits,
			Concurrency:   dkim.DefaultConcurrency,
		},
		Server: ServerConfig{
			Listen:            ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      10 << 20,
			EvaluationTimeout: engine.EvaluationTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path on top of Default and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config file: %w", err)
	}
	return cfg, nil
}

// Decode decodes settings, as returned by viper's AllSettings, on top of
// Default and validates the result. Durations may be given as strings
// ("5s") and lists as comma separated strings, as they arrive from
// environment variables.
func Decode(settings map[string]any) (*Config, error) {
	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Defaults returns every setting key with its default value, flattened with
// dots, for registration as viper defaults. Environment overrides only apply
// to keys viper knows.
func Defaults() map[string]any {
	d := Default()
	return map[string]any{
		"resolver.backend":          d.Resolver.Backend,
		"resolver.nameservers":      d.Resolver.Nameservers,
		"resolver.timeout":          d.Resolver.Timeout,
		"resolver.lookup_timeout":   d.Resolver.LookupTimeout,
		"resolver.retries":          d.Resolver.Retries,
		"resolver.dnssec":           d.Resolver.DNSSEC,
		"cache.disabled":            d.Cache.Disabled,
		"cache.size":                d.Cache.Size,
		"cache.min_ttl":             d.Cache.MinTTL,
		"cache.max_ttl":             d.Cache.MaxTTL,
		"cache.default_ttl":         d.Cache.DefaultTTL,
		"cache.negative_ttl":        d.Cache.NegativeTTL,
		"spf.max_lookups":           d.SPF.MaxLookups,
		"spf.max_void_lookups":      d.SPF.MaxVoidLookups,
		"spf.max_depth":             d.SPF.MaxDepth,
		"spf.prefetch":              d.SPF.Prefetch,
		"spf.expand_unreached":      d.SPF.ExpandUnreached,
		"spf.receiver":              d.SPF.Receiver,
		"dkim.min_rsa_key_bits":     d.DKIM.MinRSAKeyBits,
		"dkim.concurrency":          d.DKIM.Concurrency,
		"server.listen":             d.Server.Listen,
		"server.read_timeout":       d.Server.ReadTimeout,
		"server.write_timeout":      d.Server.WriteTimeout,
		"server.shutdown_timeout":   d.Server.ShutdownTimeout,
		"server.max_body_bytes":     d.Server.MaxBodyBytes,
		"server.evaluation_timeout": d.Server.EvaluationTimeout,
		"server.authserv_id":        d.Server.AuthservID,
		"log.level":                 d.Log.Level,
		"log.format":                d.Log.Format,
		"log.no_color":              d.Log.NoColor,
	}
}

func (c *Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative")
	}
	if c.Cache.MinTTL > 0 && c.Cache.MaxTTL > 0 && c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("cache.min_ttl %s exceeds cache.max_ttl %s", c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if c.Resolver.Retries < 0 {
		return fmt.Errorf("resolver.retries must not be negative")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}

// Engine returns the evaluation engine configuration.
func (c *Config) Engine() mailauth.Config {
	return mailauth.Config{
		Backend: c.Resolver.Backend,
		Resolver: dns.ResolverConfig{
			Nameservers: c.Resolver.Nameservers,
			DNSSEC:      c.Resolver.DNSSEC,
			Timeout:     c.Resolver.Timeout,
			Retries:     c.Resolver.Retries,
		},
		LookupTimeout: c.Resolver.LookupTimeout,
		Cache: dns.CacheConfig{
			Size:         c.Cache.Size,
			MinTTL:       c.Cache.MinTTL,
			MaxTTL:       c.Cache.MaxTTL,
			DefaultTTL:   c.Cache.DefaultTTL,
			NegativeTTL:  c.Cache.NegativeTTL,
			FetchTimeout: c.Resolver.LookupTimeout,
		},
		DisableCache:      c.Cache.Disabled,
		MaxLookups:        c.SPF.MaxLookups,
		MaxVoidLookups:    c.SPF.MaxVoidLookups,
		MaxDepth:          c.SPF.MaxDepth,
		Prefetch:          c.SPF.Prefetch,
		ExpandUnreached:   c.SPF.ExpandUnreached,
		Receiver:          c.SPF.Receiver,
		MinRSAKeyBits:     c.DKIM.MinRSAKeyBits,
		Concurrency:       c.DKIM.Concurrency,
		EvaluationTimeout: c.Server.EvaluationTimeout,
	}
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
