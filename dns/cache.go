package dns

import (
	"context"
	"errors"
	"net"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/synqronlabs/mailauth/metrics"
)

// CacheConfig configures a Cache.
type CacheConfig struct {
	// Size is the maximum number of cached answers. Default 4096.
	Size int

	// MinTTL and MaxTTL clamp the TTL reported by the upstream resolver.
	// Defaults 5 seconds and 1 hour.
	MinTTL time.Duration
	MaxTTL time.Duration

	// DefaultTTL applies when the upstream resolver does not report a TTL.
	// Default 1 minute.
	DefaultTTL time.Duration

	// NegativeTTL is how long "no such record" answers are kept.
	// Default 1 minute.
	NegativeTTL time.Duration

	// FetchTimeout bounds a shared upstream fetch. Default 5 seconds.
	FetchTimeout time.Duration
}

// Cache is a Resolver that keeps answers of an upstream Resolver in a bounded
// LRU. It is safe for concurrent use by any number of evaluations.
//
// Entries are never modified after insertion; a refreshed answer replaces
// the entry. Positive answers and ErrDNSNotFound are cached, every other
// error is passed through and forgotten. Concurrent misses for the same
// question share one upstream query.
type Cache struct {
	upstream Resolver
	config   CacheConfig
	entries  *expirable.LRU[string, cacheEntry]
	inflight singleflight.Group
	now      func() time.Time
}

var _ Resolver = (*Cache)(nil)

type cacheEntry struct {
	result  any // Result[T] of the question type
	err     error
	expires time.Time
}

// NewCache wraps upstream with an answer cache.
func NewCache(upstream Resolver, config CacheConfig) *Cache {
	if config.Size <= 0 {
		config.Size = 4096
	}
	if config.MinTTL <= 0 {
		config.MinTTL = 5 * time.Second
	}
	if config.MaxTTL <= 0 {
		config.MaxTTL = time.Hour
	}
	if config.MaxTTL < config.MinTTL {
		config.MaxTTL = config.MinTTL
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = time.Minute
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = time.Minute
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 5 * time.Second
	}

	return &Cache{
		upstream: upstream,
		config:   config,
		entries:  expirable.NewLRU[string, cacheEntry](config.Size, nil, config.MaxTTL),
		now:      time.Now,
	}
}

// Len returns the number of cached answers, expired ones included until
// they are evicted.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops all cached answers.
func (c *Cache) Purge() {
	c.entries.Purge()
}

func (c *Cache) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return cached(ctx, c, "txt "+NormalizeDomain(name), func(ctx context.Context) (Result[string], error) {
		return c.upstream.LookupTXT(ctx, name)
	})
}

func (c *Cache) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	if network == "" {
		network = "ip"
	}
	return cached(ctx, c, network+" "+NormalizeDomain(host), func(ctx context.Context) (Result[net.IP], error) {
		return c.upstream.LookupIP(ctx, network, host)
	})
}

func (c *Cache) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return cached(ctx, c, "mx "+NormalizeDomain(name), func(ctx context.Context) (Result[*net.MX], error) {
		return c.upstream.LookupMX(ctx, name)
	})
}

func (c *Cache) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	return cached(ctx, c, "ptr "+ip.String(), func(ctx context.Context) (Result[string], error) {
		return c.upstream.LookupAddr(ctx, ip)
	})
}

// ttl returns how long an answer may be kept, zero for "do not cache".
func (c *Cache) ttl(reported time.Duration, err error) time.Duration {
	switch {
	case err == nil:
	case IsNotFound(err):
		return min(c.config.NegativeTTL, c.config.MaxTTL)
	default:
		return 0
	}
	if reported <= 0 {
		reported = c.config.DefaultTTL
	}
	return min(max(reported, c.config.MinTTL), c.config.MaxTTL)
}

func cached[T any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (Result[T], error)) (Result[T], error) {
	if e, ok := c.entries.Get(key); ok {
		if c.now().Before(e.expires) {
			metrics.CacheHit()
			res, _ := e.result.(Result[T])
			return cloneResult(res), e.err
		}
		c.entries.Remove(key)
	}
	metrics.CacheMiss()

	// The shared fetch must not die with whichever caller started it, so it
	// runs detached from that caller and bounded by FetchTimeout.
	ch := c.inflight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FetchTimeout)
		defer cancel()

		res, err := fetch(fctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = ErrDNSTimeout
		}
		if ttl := c.ttl(res.TTL, err); ttl > 0 {
			c.entries.Add(key, cacheEntry{result: res, err: err, expires: c.now().Add(ttl)})
		}
		return res, err
	})

	select {
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	case r := <-ch:
		res, _ := r.Val.(Result[T])
		return cloneResult(res), r.Err
	}
}

func cloneResult[T any](r Result[T]) Result[T] {
	r.Records = slices.Clone(r.Records)
	return r
}
