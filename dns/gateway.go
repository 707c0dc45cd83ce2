package dns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/mailauth/metrics"
)

// DefaultLookupTimeout bounds a single lookup made through a Gateway.
const DefaultLookupTimeout = 5 * time.Second

// Gateway is the Resolver handed to the evaluators of one evaluation. Every
// call gets its own timeout, is counted and is observed in metrics.
//
// A call that runs into its own timeout fails with ErrDNSTimeout. When the
// caller's context ends first, the context error is returned unchanged so
// cancellation is not mistaken for a DNS answer.
type Gateway struct {
	resolver Resolver
	timeout  time.Duration
	logger   *slog.Logger
	calls    atomic.Int64
}

var _ Resolver = (*Gateway)(nil)

// NewGateway wraps resolver. A zero timeout selects DefaultLookupTimeout and
// a nil logger discards output.
func NewGateway(resolver Resolver, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{resolver: resolver, timeout: timeout, logger: logger}
}

// Calls returns the number of lookups made through g so far.
func (g *Gateway) Calls() int64 {
	return g.calls.Load()
}

func (g *Gateway) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return call(ctx, g, "txt", name, func(ctx context.Context) (Result[string], error) {
		return g.resolver.LookupTXT(ctx, name)
	})
}

func (g *Gateway) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	if network == "" {
		network = "ip"
	}
	return call(ctx, g, network, host, func(ctx context.Context) (Result[net.IP], error) {
		return g.resolver.LookupIP(ctx, network, host)
	})
}

func (g *Gateway) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return call(ctx, g, "mx", name, func(ctx context.Context) (Result[*net.MX], error) {
		return g.resolver.LookupMX(ctx, name)
	})
}

func (g *Gateway) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	return call(ctx, g, "ptr", ip.String(), func(ctx context.Context) (Result[string], error) {
		return g.resolver.LookupAddr(ctx, ip)
	})
}

func call[T any](ctx context.Context, g *Gateway, typ, name string, fn func(context.Context) (Result[T], error)) (Result[T], error) {
	g.calls.Add(1)
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := fn(cctx)
	if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
		err = ErrDNSTimeout
	}

	result := classify(err)
	metrics.ObserveLookup(typ, result, start)
	g.logger.LogAttrs(ctx, slog.LevelDebug, "dns lookup",
		slog.String("type", typ),
		slog.String("name", name),
		slog.String("result", result),
		slog.Int("records", len(res.Records)),
		slog.Duration("duration", time.Since(start)),
	)
	return res, err
}

func classify(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case IsNotFound(err):
		return metrics.ResultNXDomain
	case IsTimeout(err):
		return metrics.ResultTimeout
	case IsUnavailable(err):
		return metrics.ResultUnavailable
	case IsTemporary(err), errors.Is(err, ErrDNSBogus):
		return metrics.ResultTemporary
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.ResultCanceled
	}
	return metrics.ResultError
}
