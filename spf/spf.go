package spf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailauth/dns"
)

// Errors that halt an evaluation with a PermError result.
var (
	ErrTooManyDNSLookups  = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyVoidLookups = errors.New("spf: exceeded maximum void lookups")
	ErrLoop               = errors.New("spf: include or redirect loop")
	ErrTooDeep            = errors.New("spf: include or redirect nesting too deep")
)

// Status is the result of SPF verification.
type Status string

const (
	// StatusNone indicates no SPF record was found or no domain to check.
	StatusNone Status = "none"

	// StatusNeutral indicates the domain owner has explicitly stated nothing about the IP.
	StatusNeutral Status = "neutral"

	// StatusPass indicates the IP is authorized to send mail for the domain.
	StatusPass Status = "pass"

	// StatusFail indicates the IP is explicitly not authorized. "-" qualifier.
	StatusFail Status = "fail"

	// StatusSoftfail indicates weak statement that IP is probably not authorized. "~" qualifier.
	StatusSoftfail Status = "softfail"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid SPF record).
	StatusPermerror Status = "permerror"
)

func (s Status) upper() string { return strings.ToUpper(string(s)) }

// Request holds the identities of one check.
type Request struct {
	// Domain is checked when MailFrom carries no domain.
	Domain string

	SenderIP net.IP

	// MailFrom is the SMTP MAIL FROM address, possibly empty.
	MailFrom string

	// Helo is the EHLO/HELO name, used for the h macro.
	Helo string

	// Receiver is the checking host's name, used for the r macro.
	Receiver string
}

// Outcome is the result of one top-level evaluation.
type Outcome struct {
	// Domain is the checked domain.
	Domain string
	Result Status

	// DNSLookups is the number of budgeted lookups used, at most the
	// configured maximum.
	DNSLookups  int
	VoidLookups int

	Trace []string
	Tree  *PolicyNode

	// Matched is the term that decided the result, "default" when nothing
	// matched, empty otherwise.
	Matched string

	// Explanation is the expanded exp= text for a Fail result.
	Explanation string

	// Problem describes why the evaluation halted, if it did.
	Problem string
}

// Evaluator evaluates SPF policies. The zero value uses the RFC limits.
type Evaluator struct {
	MaxLookups     int
	MaxVoidLookups int
	MaxDepth       int

	// Prefetch warms DNS answers of a record's targets concurrently while
	// the record is being evaluated.
	Prefetch bool

	// ExpandUnreached fills in include and redirect branches that
	// evaluation never reached.
	ExpandUnreached bool

	Logger *slog.Logger

	// now is used for the t macro.
	now func() time.Time
}

// Evaluate runs check_host for req. A nil budget selects a fresh budget
// with the evaluator's limits; a caller may pass its own to share or
// inspect it.
//
// The error is non-nil only when the evaluation could not be performed:
// ctx was canceled or no nameserver was reachable. Every other problem is
// reported as a result code.
func (ev *Evaluator) Evaluate(ctx context.Context, resolver dns.Resolver, req Request, budget *Budget) (*Outcome, error) {
	if req.SenderIP == nil {
		return nil, errors.New("spf: sender IP is required")
	}
	if budget == nil {
		budget = NewBudget(ev.MaxLookups, ev.MaxVoidLookups)
	}

	e := &evaluation{
		ev:       ev,
		resolver: resolver,
		log:      ev.logger(),
		budget:   budget,
		ip:       req.SenderIP,
		helo:     req.Helo,
		receiver: req.Receiver,
		visited:  map[string]bool{},
		now:      ev.now,
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.local, e.sender = senderIdentity(req)

	domain := dns.NormalizeDomain(e.sender)
	out := &Outcome{Domain: domain, Tree: &PolicyNode{Domain: domain}}
	if domain == "" {
		e.tracef("No domain to check")
		out.Result = StatusNone
		out.Trace = e.trace
		return out, nil
	}

	warmCtx, cancel := context.WithCancel(ctx)
	e.warmCtx = warmCtx
	e.warm = &errgroup.Group{}
	e.warm.SetLimit(prefetchLimit)
	defer func() {
		cancel()
		_ = e.warm.Wait()
	}()

	status, err := e.checkHost(ctx, out.Tree, domain, 0)
	if err != nil {
		if isFatal(ctx, err) {
			return nil, err
		}
		status = StatusPermerror
		out.Problem = err.Error()
	}

	out.Result = status
	out.DNSLookups = budget.Used()
	out.VoidLookups = budget.VoidUsed()
	out.Matched = e.matched

	if status == StatusFail && e.failExp != "" {
		out.Explanation = e.explain(ctx)
		if out.Explanation != "" {
			e.tracef("Explanation: %s", out.Explanation)
		}
	}

	if ev.ExpandUnreached {
		e.expandUnreached(ctx, out.Tree)
	}

	e.tracef("Final SPF result: %s (%d DNS lookups)", status.upper(), out.DNSLookups)
	out.Trace = e.trace

	e.log.Debug("spf evaluated",
		slog.String("domain", domain),
		slog.String("ip", req.SenderIP.String()),
		slog.String("result", string(status)),
		slog.Int("lookups", out.DNSLookups),
		slog.String("mechanism", out.Matched))

	return out, nil
}

func (ev *Evaluator) logger() *slog.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (ev *Evaluator) maxDepth() int {
	if ev.MaxDepth > 0 {
		return ev.MaxDepth
	}
	return DefaultMaxDepth
}

// MailFromAddress strips whitespace and the SMTP angle brackets from a
// MAIL FROM reverse-path. The null sender "<>" yields "".
func MailFromAddress(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// senderIdentity returns the local part and domain checked for req: the
// MAIL FROM domain when present, else the request domain, else HELO.
func senderIdentity(req Request) (local, domain string) {
	mailFrom := MailFromAddress(req.MailFrom)
	if at := strings.LastIndexByte(mailFrom, '@'); at >= 0 {
		local = mailFrom[:at]
		domain = mailFrom[at+1:]
	}
	if local == "" {
		local = "postmaster"
	}
	if domain == "" {
		domain = req.Domain
	}
	if domain == "" {
		domain = req.Helo
	}
	return local, domain
}

// isFatal reports whether err means the evaluation cannot continue at all.
func isFatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		dns.IsUnavailable(err)
}

// isHalt reports whether err stops the evaluation with PermError.
func isHalt(err error) bool {
	return errors.Is(err, ErrTooManyDNSLookups) ||
		errors.Is(err, ErrTooManyVoidLookups) ||
		errors.Is(err, ErrLoop) ||
		errors.Is(err, ErrTooDeep)
}

// evaluation is the state of one top-level check_host call.
type evaluation struct {
	ev       *Evaluator
	resolver dns.Resolver
	log      *slog.Logger
	budget   *Budget

	ip       net.IP
	local    string
	sender   string
	helo     string
	receiver string
	now      func() time.Time

	visited map[string]bool
	trace   []string

	// matched and the explanation source are overwritten on every decision,
	// so after the top-level call they describe the outermost one.
	matched    string
	failExp    string
	failDomain string

	warm    *errgroup.Group
	warmCtx context.Context
}

func (e *evaluation) tracef(format string, args ...any) {
	e.trace = append(e.trace, fmt.Sprintf(format, args...))
}

func (e *evaluation) network() string {
	if e.ip.To4() != nil {
		return "ip4"
	}
	return "ip6"
}

func (e *evaluation) exhausted(term string) error {
	e.tracef("DNS lookup budget exhausted: limit of %d reached at %s", e.budget.Max(), term)
	return ErrTooManyDNSLookups
}

// check classifies a lookup error. temp is set for transient failures;
// halt is set when the evaluation must stop. A no-data answer is neither,
// but counts against the void lookup limit.
func (e *evaluation) check(ctx context.Context, err error) (temp bool, halt error) {
	switch {
	case err == nil:
		return false, nil
	case isFatal(ctx, err):
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, err
	case dns.IsNotFound(err):
		if !e.budget.Void() {
			e.tracef("Void lookup limit of %d exceeded", e.budget.voidMax)
			return false, ErrTooManyVoidLookups
		}
		return false, nil
	}
	e.tracef("DNS error: %v", err)
	return true, nil
}

// checkHost fetches and evaluates the record of domain into node.
func (e *evaluation) checkHost(ctx context.Context, node *PolicyNode, domain string, depth int) (status Status, err error) {
	node.Evaluated = true
	node.Domain = domain
	defer func() {
		if err != nil {
			node.Result = StatusPermerror
		} else {
			node.Result = status
		}
	}()

	if depth > e.ev.maxDepth() {
		node.Marker = MarkerDepthExceeded
		e.tracef("Nesting depth of %d exceeded at %s", e.ev.maxDepth(), domain)
		return StatusPermerror, ErrTooDeep
	}
	if e.visited[domain] {
		node.Marker = MarkerLoop
		e.tracef("Loop detected: %s is already being evaluated", domain)
		return StatusPermerror, ErrLoop
	}
	e.visited[domain] = true

	e.tracef("Evaluating SPF for domain: %s", domain)
	e.tracef("DNS lookup: TXT %s", domain)
	res, err := e.resolver.LookupTXT(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			node.Marker = MarkerNoSPF
			e.tracef("No SPF record found for %s", domain)
			if depth > 0 && !e.budget.Void() {
				e.tracef("Void lookup limit of %d exceeded", e.budget.voidMax)
				return StatusPermerror, ErrTooManyVoidLookups
			}
			return StatusNone, nil
		}
		if isFatal(ctx, err) {
			return "", err
		}
		node.Marker = MarkerTempError
		e.tracef("DNS error looking up %s: %v", domain, err)
		return StatusTemperror, nil
	}

	var txts []string
	for _, txt := range res.Records {
		if IsRecord(txt) {
			txts = append(txts, txt)
		}
	}
	switch len(txts) {
	case 0:
		node.Marker = MarkerNoSPF
		e.tracef("No SPF record found for %s", domain)
		return StatusNone, nil
	case 1:
	default:
		node.Marker = MarkerMultiple
		e.tracef("Multiple SPF records found for %s", domain)
		return StatusPermerror, nil
	}

	node.Record = txts[0]
	node.HasRecord = true
	rec, err := ParseRecord(txts[0])
	if err != nil {
		node.Marker = MarkerMalformed
		e.tracef("Invalid SPF record for %s: %v", domain, err)
		return StatusPermerror, nil
	}
	node.Mechanisms = mechanisms(rec)
	e.tracef("SPF record: %s", txts[0])

	if e.ev.Prefetch {
		e.prefetch(rec, domain)
	}

	return e.evaluate(ctx, node, domain, rec, depth)
}

type matchResult int

const (
	noMatch matchResult = iota
	matched
	tempFail
	permFail
)

// evaluate walks the directives of rec. The first match decides, all
// included. A transient lookup failure is remembered and yields TempError
// only when no later mechanism matches.
func (e *evaluation) evaluate(ctx context.Context, node *PolicyNode, domain string, rec *Record, depth int) (Status, error) {
	pendingTemp := false

	for i, d := range rec.Directives {
		term := d.String()
		e.tracef("Checking mechanism: %s", term)

		m, err := e.match(ctx, node, domain, d, depth)
		if err != nil {
			return StatusPermerror, err
		}

		switch m {
		case noMatch:
			e.tracef("No match: %s", term)
			continue
		case tempFail:
			e.tracef("Temporary error evaluating %s, continuing", term)
			pendingTemp = true
			continue
		case permFail:
			e.tracef("Permanent error evaluating %s", term)
			e.markUnreached(node, rec, i+1)
			e.matched = term
			return StatusPermerror, nil
		}

		e.markUnreached(node, rec, i+1)
		status := d.Status()
		e.tracef("Match: %s → %s", term, status.upper())
		e.matched = term
		if status == StatusFail {
			e.failExp = rec.Explanation
			e.failDomain = domain
		}
		return status, nil
	}

	if pendingTemp {
		e.markUnreached(node, rec, len(rec.Directives))
		e.tracef("No mechanism matched after a temporary error, result: TEMPERROR")
		e.matched = ""
		return StatusTemperror, nil
	}

	if rec.Redirect != "" {
		return e.redirect(ctx, node, domain, rec, depth)
	}

	e.tracef("No mechanism matched, default result: NEUTRAL")
	e.matched = "default"
	return StatusNeutral, nil
}

func (e *evaluation) redirect(ctx context.Context, node *PolicyNode, domain string, rec *Record, depth int) (Status, error) {
	term := "redirect=" + rec.Redirect
	if !e.budget.Take() {
		node.addChild(rec.Redirect).Marker = MarkerNotEvaluated
		return StatusPermerror, e.exhausted(term)
	}
	target, err := e.expand(ctx, rec.Redirect, domain, true)
	if err != nil {
		if isFatal(ctx, err) || isHalt(err) {
			return StatusPermerror, err
		}
		e.tracef("Invalid redirect target %s: %v", rec.Redirect, err)
		node.addChild(rec.Redirect).Marker = MarkerNotEvaluated
		e.matched = term
		return StatusPermerror, nil
	}

	e.tracef("Redirecting to: %s", target)
	child := node.addChild(target)
	status, err := e.checkHost(ctx, child, target, depth+1)
	if err != nil {
		return StatusPermerror, err
	}
	if status == StatusNone {
		e.tracef("Redirect target %s has no SPF record → PERMERROR", target)
		e.matched = term
		return StatusPermerror, nil
	}
	return status, nil
}

// match evaluates one directive. The error is set only when the whole
// evaluation must stop.
func (e *evaluation) match(ctx context.Context, node *PolicyNode, domain string, d Directive, depth int) (matchResult, error) {
	switch d.Mechanism {
	case "all":
		return matched, nil

	case "ip4":
		if e.ip.To4() == nil {
			return noMatch, nil
		}
		return boolMatch(e.inCIDR(d.IP, d)), nil

	case "ip6":
		if e.ip.To4() != nil {
			return noMatch, nil
		}
		return boolMatch(e.inCIDR(d.IP, d)), nil
	}

	if !e.budget.Take() {
		if d.Mechanism == "include" {
			node.addChild(d.DomainSpec).Marker = MarkerNotEvaluated
		}
		return noMatch, e.exhausted(d.String())
	}

	target := domain
	if d.DomainSpec != "" {
		t, err := e.expand(ctx, d.DomainSpec, domain, true)
		if err != nil {
			if isFatal(ctx, err) || isHalt(err) {
				return noMatch, err
			}
			e.tracef("Invalid domain-spec %s: %v", d.DomainSpec, err)
			if d.Mechanism == "include" {
				node.addChild(d.DomainSpec).Marker = MarkerNotEvaluated
			}
			return permFail, nil
		}
		target = t
	}

	switch d.Mechanism {
	case "include":
		e.tracef("Entering include: %s", target)
		child := node.addChild(target)
		status, err := e.checkHost(ctx, child, target, depth+1)
		if err != nil {
			return noMatch, err
		}
		e.tracef("Leaving include: %s → %s", target, status.upper())
		switch status {
		case StatusPass:
			return matched, nil
		case StatusTemperror:
			return tempFail, nil
		}
		return noMatch, nil

	case "a":
		return e.matchHost(ctx, target, d)

	case "mx":
		res, err := e.resolver.LookupMX(ctx, target)
		if temp, halt := e.check(ctx, err); halt != nil {
			return noMatch, halt
		} else if temp {
			return tempFail, nil
		}
		hosts := res.Records
		if len(hosts) == 1 && (hosts[0].Host == "." || hosts[0].Host == "") {
			return noMatch, nil
		}
		if len(hosts) > mxPtrLimit {
			e.tracef("More than %d MX records for %s", mxPtrLimit, target)
			return permFail, nil
		}
		result := noMatch
		for _, mx := range hosts {
			host := strings.TrimSuffix(mx.Host, ".")
			if host == "" {
				continue
			}
			m, err := e.matchHost(ctx, host, d)
			if err != nil {
				return noMatch, err
			}
			if m == matched {
				return matched, nil
			}
			if m == tempFail {
				result = tempFail
			}
		}
		return result, nil

	case "ptr":
		e.tracef("Warning: ptr mechanism is deprecated (RFC 7208 5.5)")
		res, err := e.resolver.LookupAddr(ctx, e.ip)
		if _, halt := e.check(ctx, err); halt != nil {
			return noMatch, halt
		} else if err != nil {
			// RFC 7208 5.5: a failed PTR query is no match, not TempError.
			return noMatch, nil
		}
		names := res.Records
		if len(names) > mxPtrLimit {
			names = names[:mxPtrLimit]
		}
		for _, name := range names {
			name = strings.ToLower(strings.TrimSuffix(name, "."))
			if name != target && !strings.HasSuffix(name, "."+target) {
				continue
			}
			ok, err := e.resolvesToSender(ctx, name)
			if err != nil {
				return noMatch, err
			}
			if ok {
				return matched, nil
			}
		}
		return noMatch, nil

	case "exists":
		res, err := e.resolver.LookupIP(ctx, "ip4", target)
		if temp, halt := e.check(ctx, err); halt != nil {
			return noMatch, halt
		} else if temp {
			return tempFail, nil
		}
		return boolMatch(len(res.Records) > 0), nil
	}

	return permFail, nil
}

// matchHost matches the sender against the addresses of host.
func (e *evaluation) matchHost(ctx context.Context, host string, d Directive) (matchResult, error) {
	res, err := e.resolver.LookupIP(ctx, e.network(), host)
	if temp, halt := e.check(ctx, err); halt != nil {
		return noMatch, halt
	} else if temp {
		return tempFail, nil
	}
	for _, ip := range res.Records {
		if e.inCIDR(ip, d) {
			return matched, nil
		}
	}
	return noMatch, nil
}

// inCIDR reports whether ip and the sender share the directive's prefix.
func (e *evaluation) inCIDR(ip net.IP, d Directive) bool {
	if remote4 := e.ip.To4(); remote4 != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return false
		}
		ones := 32
		if d.IP4CIDRLen != nil {
			ones = *d.IP4CIDRLen
		}
		mask := net.CIDRMask(ones, 32)
		return ip4.Mask(mask).Equal(remote4.Mask(mask))
	}

	ip6 := ip.To16()
	if ip6 == nil || ip.To4() != nil {
		return false
	}
	ones := 128
	if d.IP6CIDRLen != nil {
		ones = *d.IP6CIDRLen
	}
	mask := net.CIDRMask(ones, 128)
	return ip6.Mask(mask).Equal(e.ip.To16().Mask(mask))
}

func boolMatch(b bool) matchResult {
	if b {
		return matched
	}
	return noMatch
}

// markUnreached adds NOT-EVALUATED children for the include targets after
// directive from and for the redirect, which only applies when nothing
// matched.
func (e *evaluation) markUnreached(node *PolicyNode, rec *Record, from int) {
	for _, d := range rec.Directives[from:] {
		if d.Mechanism == "include" {
			node.addChild(unreachedDomain(d.DomainSpec)).Marker = MarkerNotEvaluated
		}
	}
	if rec.Redirect != "" {
		node.addChild(unreachedDomain(rec.Redirect)).Marker = MarkerNotEvaluated
	}
}

func unreachedDomain(spec string) string {
	if strings.Contains(spec, "%") {
		return spec
	}
	return dns.NormalizeDomain(spec)
}

// explain fetches and expands the exp= text for a Fail result. Failures
// yield an empty explanation. Lookups here are outside the budget.
func (e *evaluation) explain(ctx context.Context) string {
	e.budget = NewBudget(e.ev.MaxLookups, e.ev.MaxVoidLookups)

	name, err := e.expand(ctx, e.failExp, e.failDomain, true)
	if err != nil {
		return ""
	}
	res, err := e.resolver.LookupTXT(ctx, name)
	if err != nil || len(res.Records) != 1 {
		return ""
	}
	s, err := e.expand(ctx, res.Records[0], e.failDomain, false)
	if err != nil {
		return ""
	}
	return s
}
