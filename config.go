package mailauth

import (
	"fmt"
	"time"

	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/dns"
	"github.com/synqronlabs/mailauth/spf"
)

// Resolver backends.
const (
	BackendMiekg = "miekg" // github.com/miekg/dns client, DNSSEC aware
	BackendStd   = "std"   // net.Resolver, for environments without raw UDP
)

// Config contains the configuration of an Engine.
//
// The zero value is usable; DefaultConfig documents the effective defaults.
type Config struct {
	// ---- DNS ----

	// Backend selects the upstream resolver when none is passed with
	// WithResolver: BackendMiekg or BackendStd.
	// Default: BackendMiekg
	Backend string

	// Resolver configures the BackendMiekg client.
	Resolver dns.ResolverConfig

	// LookupTimeout bounds every single DNS lookup of an evaluation.
	// Default: 5 seconds
	LookupTimeout time.Duration

	// Cache configures the answer cache shared by all evaluations.
	Cache dns.CacheConfig

	// DisableCache sends every lookup to the upstream resolver.
	DisableCache bool

	// ---- SPF ----

	// MaxLookups is the DNS lookup budget of one SPF evaluation.
	// Default: 10 (RFC 7208 section 4.6.4)
	MaxLookups int

	// MaxVoidLookups is the number of lookups without data allowed.
	// Default: 2
	MaxVoidLookups int

	// MaxDepth bounds include and redirect nesting.
	// Default: 20
	MaxDepth int

	// Prefetch warms the DNS answers of a record's targets concurrently.
	Prefetch bool

	// ExpandUnreached fills in tree branches evaluation did not reach.
	ExpandUnreached bool

	// Receiver is the name of the checking host, for the %{r} macro.
	// Default: "unknown"
	Receiver string

	// ---- DKIM ----

	// MinRSAKeyBits is the smallest RSA key accepted.
	// Default: 1024
	MinRSAKeyBits int

	// Concurrency bounds the signatures verified in parallel.
	// Default: 4
	Concurrency int

	// ---- Limits ----

	// EvaluationTimeout bounds a complete evaluation (0 = no limit beyond
	// the caller's context).
	// Default: 30 seconds
	EvaluationTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults filled in.
func DefaultConfig() Config {
	return Config{
		Backend:           BackendMiekg,
		LookupTimeout:     dns.DefaultLookupTimeout,
		MaxLookups:        spf.DefaultMaxLookups,
		MaxVoidLookups:    spf.DefaultMaxVoidLookups,
		MaxDepth:          spf.DefaultMaxDepth,
		Receiver:          "unknown",
		MinRSAKeyBits:     dkim.DefaultMinRSAKeyBits,
		Concurrency:       dkim.DefaultConcurrency,
		EvaluationTimeout: 30 * time.Second,
	}
}

// withDefaults returns c with zero values replaced by defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = d.LookupTimeout
	}
	if c.MaxLookups <= 0 {
		c.MaxLookups = d.MaxLookups
	}
	if c.MaxVoidLookups <= 0 {
		c.MaxVoidLookups = d.MaxVoidLookups
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if c.Receiver == "" {
		c.Receiver = d.Receiver
	}
	if c.MinRSAKeyBits <= 0 {
		c.MinRSAKeyBits = d.MinRSAKeyBits
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	return c
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendMiekg, BackendStd:
	default:
		return fmt.Errorf("mailauth: unknown resolver backend %q", c.Backend)
	}
	if c.MaxLookups > 100 {
		return fmt.Errorf("mailauth: SPF lookup budget %d is unreasonably large", c.MaxLookups)
	}
	if c.EvaluationTimeout < 0 || c.LookupTimeout < 0 {
		return fmt.Errorf("mailauth: timeouts must not be negative")
	}
	if c.MinRSAKeyBits > 0 && c.MinRSAKeyBits < 512 {
		return fmt.Errorf("mailauth: minimum RSA key size %d is below 512 bits", c.MinRSAKeyBits)
	}
	return nil
}
