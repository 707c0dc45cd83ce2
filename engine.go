package mailauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/dmarc"
	"github.com/synqronlabs/mailauth/dns"
	"github.com/synqronlabs/mailauth/metrics"
	"github.com/synqronlabs/mailauth/spf"
)

// Engine evaluates SPF, DKIM and DMARC for messages. It is safe for
// concurrent use; the only state shared between evaluations is the DNS
// answer cache.
type Engine struct {
	config   Config
	resolver dns.Resolver // cache or upstream
	cache    *dns.Cache
	logger   *slog.Logger
	now      func() time.Time

	spf   *spf.Evaluator
	dkim  *dkim.Verifier
	dmarc *dmarc.Evaluator
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the upstream resolver, replacing Config.Backend.
func WithResolver(r dns.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLogger sets the logger of the engine and its evaluators.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the time source for result timestamps and IDs.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(config Config, opts ...Option) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	e := &Engine{config: config, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.resolver == nil {
		switch config.Backend {
		case BackendStd:
			e.resolver = dns.NewStdResolver()
		default:
			e.resolver = dns.NewResolver(config.Resolver)
		}
	}
	if !config.DisableCache {
		e.cache = dns.NewCache(e.resolver, config.Cache)
		e.resolver = e.cache
	}

	e.spf = &spf.Evaluator{
		MaxLookups:      config.MaxLookups,
		MaxVoidLookups:  config.MaxVoidLookups,
		MaxDepth:        config.MaxDepth,
		Prefetch:        config.Prefetch,
		ExpandUnreached: config.ExpandUnreached,
		Logger:          e.logger.With("component", "spf"),
	}
	e.dkim = &dkim.Verifier{
		MinRSAKeyBits: config.MinRSAKeyBits,
		Concurrency:   config.Concurrency,
		Logger:        e.logger.With("component", "dkim"),
	}
	e.dmarc = &dmarc.Evaluator{Logger: e.logger.With("component", "dmarc")}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Cache returns the shared answer cache, nil when disabled.
func (e *Engine) Cache() *dns.Cache {
	return e.cache
}

// Evaluate authenticates the message described by req.
//
// A message that fails authentication is a Result like any other. The
// error is non-nil only when no verdict could be reached: a
// *ClientInputError for an invalid request, or an *EvaluationError
// wrapping ErrUnavailable or the context error.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	started := e.now()
	ip, err := validate(&req)
	if err != nil {
		metrics.ObserveEvaluationError("input")
		return nil, err
	}

	if e.config.EvaluationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.EvaluationTimeout)
		defer cancel()
	}

	id := ulid.MustNew(ulid.Timestamp(started), ulid.DefaultEntropy())
	logger := e.logger.With(slog.String("evaluation", id.String()))
	gw := dns.NewGateway(e.resolver, e.config.LookupTimeout, logger)

	from := HeaderFromDomain(req.Message)
	if from == "" {
		from = dns.NormalizeDomain(req.Domain)
	}

	res := &Result{ID: id, Request: req, HeaderFrom: from, Started: started}

	// SPF and DKIM do not depend on each other.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := e.spf.Evaluate(gctx, gw, spf.Request{
			Domain:   req.Domain,
			SenderIP: ip,
			MailFrom: req.MailFrom,
			Helo:     req.Helo,
			Receiver: e.config.Receiver,
		}, nil)
		if err != nil {
			return stageError(StageSPF, err)
		}
		res.SPF = out
		return nil
	})
	g.Go(func() error {
		out, err := e.dkim.Verify(gctx, gw, req.Message, from)
		if err != nil {
			return stageError(StageDKIM, err)
		}
		res.DKIM = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, e.failed(logger, err)
	}

	res.DMARC, err = e.dmarc.Evaluate(ctx, gw, dmarc.Input{
		HeaderFrom: from,
		SPF:        res.SPF,
		DKIM:       res.DKIM,
		SenderIP:   ip,
		MailFrom:   req.MailFrom,
	})
	if err != nil {
		return nil, e.failed(logger, stageError(StageDMARC, err))
	}

	res.DNSCalls = gw.Calls()
	res.Duration = e.now().Sub(started)
	metrics.ObserveEvaluation(string(res.SPF.Result), string(res.DKIM.Result), string(res.DMARC.Disposition), started)
	logger.Info("evaluated",
		slog.String("domain", req.Domain),
		slog.String("ip", ip.String()),
		slog.String("spf", string(res.SPF.Result)),
		slog.String("dkim", string(res.DKIM.Result)),
		slog.String("dmarc", string(res.DMARC.Status)),
		slog.String("disposition", string(res.DMARC.Disposition)),
		slog.Int64("dns_calls", res.DNSCalls),
		slog.Duration("duration", res.Duration))
	return res, nil
}

func (e *Engine) failed(logger *slog.Logger, err error) error {
	kind := "error"
	if errors.Is(err, ErrUnavailable) {
		kind = metrics.ResultUnavailable
	}
	kind = metrics.ErrorKind(err, kind)
	metrics.ObserveEvaluationError(kind)
	logger.Warn("evaluation failed", slog.String("kind", kind), slog.Any("error", err))
	return err
}

// validate trims req and checks the required fields.
func validate(req *Request) (net.IP, error) {
	req.Domain = strings.TrimSpace(req.Domain)
	req.SenderIP = strings.TrimSpace(req.SenderIP)
	req.MailFrom = spf.MailFromAddress(req.MailFrom)
	req.Helo = strings.TrimSpace(req.Helo)

	if req.Domain == "" {
		return nil, &ClientInputError{Field: "domain", Reason: "required"}
	}
	if dns.NormalizeDomain(req.Domain) == "" || strings.ContainsAny(req.Domain, " \t@") {
		return nil, &ClientInputError{Field: "domain", Reason: fmt.Sprintf("%q is not a domain name", req.Domain)}
	}
	if req.SenderIP == "" {
		return nil, &ClientInputError{Field: "sender_ip", Reason: "required"}
	}
	ip := net.ParseIP(req.SenderIP)
	if ip == nil {
		return nil, &ClientInputError{Field: "sender_ip", Reason: fmt.Sprintf("%q is not an IP address", req.SenderIP)}
	}
	return ip, nil
}

func stageError(stage string, err error) error {
	if dns.IsUnavailable(err) {
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &EvaluationError{Stage: stage, Err: err}
}
