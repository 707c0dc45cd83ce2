package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"

	"github.com/synqronlabs/mailauth/arc"
	"github.com/synqronlabs/mailauth/dns"
)

const (
	DefaultMinRSAKeyBits = 1024 // RFC 8301
	DefaultConcurrency   = 4
)

// Verifier verifies the DKIM signatures of a message. The zero value is
// ready to use; a Verifier is safe for concurrent use.
type Verifier struct {
	// MinRSAKeyBits is the minimum RSA key size to accept.
	MinRSAKeyBits int

	// Concurrency bounds the signatures verified at the same time.
	Concurrency int

	Logger *slog.Logger

	now func() time.Time
}

func (v *Verifier) minRSAKeyBits() int {
	if v.MinRSAKeyBits > 0 {
		return v.MinRSAKeyBits
	}
	return DefaultMinRSAKeyBits
}

func (v *Verifier) concurrency() int {
	if v.Concurrency > 0 {
		return v.Concurrency
	}
	return DefaultConcurrency
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (v *Verifier) clock() time.Time {
	if v.now != nil {
		return v.now()
	}
	return time.Now()
}

// message is a parsed message shared read-only by the signature workers.
type message struct {
	headers []headerData
	body    []byte
}

// Verify checks every DKIM-Signature header of raw. Each signature gets
// its own SignatureResult; one failing signature never affects another.
// headerFromDomain is the domain of the From header, used for alignment.
//
// An error is returned only when ctx is done or the DNS transport is
// unavailable. A message that cannot be parsed yields a Fail outcome.
func (v *Verifier) Verify(ctx context.Context, resolver dns.Resolver, raw []byte, headerFromDomain string) (*Outcome, error) {
	from := dns.NormalizeDomain(headerFromDomain)
	if len(raw) == 0 {
		return &Outcome{Result: StatusNone, HeaderFromDomain: from, Signatures: []SignatureResult{}}, nil
	}

	out := &Outcome{Performed: true, HeaderFromDomain: from}
	raw = normalizeLineEndings(raw)
	headers, bodyOffset, err := parseMessageHeaders(raw)
	if err != nil {
		out.Result = StatusFail
		out.Signatures = []SignatureResult{}
		out.Tree = []string{
			"DKIM Verification",
			fmt.Sprintf(" ├─ Message headers unreadable: %v", err),
			" └─ DKIM FINAL RESULT → FAIL",
		}
		return out, nil
	}
	msg := &message{headers: headers, body: raw[bodyOffset:]}

	var sigHeaders []headerData
	var seals, arcResults []string
	for _, h := range headers {
		switch h.lkey {
		case "dkim-signature":
			sigHeaders = append(sigHeaders, h)
		case "arc-seal":
			seals = append(seals, h.value())
		case "arc-authentication-results":
			arcResults = append(arcResults, h.value())
		}
	}
	out.ARC = arc.Inspect(seals, arcResults)

	results := make([]SignatureResult, len(sigHeaders))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency())
	for i, h := range sigHeaders {
		g.Go(func() error {
			r, err := v.verifySignature(gctx, resolver, msg, h)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Signatures = results
	out.summarize()
	out.Tree = buildTree(out)

	v.logger().Debug("dkim verified",
		slog.Int("signatures", len(results)),
		slog.String("result", string(out.Result)),
		slog.String("domain", out.Domain),
		slog.Bool("aligned", out.Aligned),
	)
	return out, nil
}

// summarize derives the overall result, alignment and the domain
// selected for DMARC from the per-signature results.
func (o *Outcome) summarize() {
	if len(o.Signatures) == 0 {
		o.Result = StatusNone
		return
	}
	o.Result = StatusFail

	var firstValid, firstAligned, firstParsed *SignatureResult
	for i := range o.Signatures {
		s := &o.Signatures[i]
		if firstParsed == nil && s.Domain != "" {
			firstParsed = s
		}
		if !s.Valid {
			continue
		}
		if firstValid == nil {
			firstValid = s
		}
		if firstAligned == nil && Aligned(s.Domain, o.HeaderFromDomain) {
			firstAligned = s
		}
	}

	switch {
	case firstAligned != nil:
		o.Domain = firstAligned.Domain
	case firstValid != nil:
		o.Domain = firstValid.Domain
	case firstParsed != nil:
		o.Domain = firstParsed.Domain
	}
	if firstValid != nil {
		o.Result = StatusPass
	}
	o.Aligned = firstAligned != nil
}

// Aligned reports whether signing domain d equals from or is one of its
// parent domains.
func Aligned(d, from string) bool {
	d, from = strings.ToLower(d), strings.ToLower(from)
	if d == "" || from == "" {
		return false
	}
	return from == d || strings.HasSuffix(from, "."+d)
}

// verifySignature runs the checks for one header in order: syntax,
// expiry, key, body hash and finally the signature itself.
func (v *Verifier) verifySignature(ctx context.Context, resolver dns.Resolver, msg *message, h headerData) (SignatureResult, error) {
	sig, verifySig, err := ParseSignature(string(h.raw))
	if err != nil {
		tags := peekTags(string(h.raw))
		r := SignatureResult{
			Domain:    strings.ToLower(tags["d"]),
			Selector:  tags["s"],
			Algorithm: strings.ToLower(tags["a"]),
		}
		r.HeaderCanon, r.BodyCanon = splitCanon(tags["c"])
		return r.fail(StatusPermerror, ReasonSignatureMalformed, err), nil
	}

	r := SignatureResult{
		Domain:      sig.Domain,
		Selector:    sig.Selector,
		Algorithm:   sig.Algorithm,
		HeaderCanon: sig.HeaderCanon(),
		BodyCanon:   sig.BodyCanon(),
		Signature:   sig,
	}

	hashFunc, err := checkSignatureParams(sig)
	if err != nil {
		return r.fail(StatusPermerror, ReasonSignatureMalformed, err), nil
	}

	if sig.ExpireTime >= 0 && sig.ExpireTime < v.clock().Unix() {
		return r.fail(StatusPermerror, ReasonSignatureExpired,
			fmt.Errorf("%w: expired at %s", ErrSigExpired, time.Unix(sig.ExpireTime, 0).UTC().Format(time.RFC3339))), nil
	}

	record, authentic, err := lookupKey(ctx, resolver, sig.Selector, sig.Domain)
	r.RecordAuthentic = authentic
	if err != nil {
		if fatal(ctx, err) {
			return r, err
		}
		status := StatusPermerror
		if isTemporary(err) {
			status = StatusTemperror
		}
		return r.fail(status, ReasonKeyUnresolvable, err), nil
	}
	if err := v.checkKey(record, sig); err != nil {
		return r.fail(StatusPermerror, ReasonKeyUnresolvable, err), nil
	}

	bodyHash, err := computeBodyHash(hashFunc.New(), r.BodyCanon, msg.body, sig.Length)
	if err != nil {
		return r.fail(StatusFail, ReasonBodyHashMismatch, fmt.Errorf("%w: %v", ErrBodyHashMismatch, err)), nil
	}
	if !bytes.Equal(sig.BodyHash, bodyHash) {
		return r.fail(StatusFail, ReasonBodyHashMismatch, ErrBodyHashMismatch), nil
	}

	dataHash, err := computeDataHash(hashFunc.New(), r.HeaderCanon, msg.headers, sig.SignedHeaders, verifySig)
	if err != nil {
		return r.fail(StatusPermerror, ReasonSignatureMalformed, err), nil
	}
	if err := verifyWithKey(record.PublicKey, hashFunc, dataHash, sig.Signature); err != nil {
		return r.fail(StatusFail, ReasonSignatureInvalid, fmt.Errorf("%w: %v", ErrSigVerify, err)), nil
	}

	r.Valid = true
	r.Status = StatusPass
	return r, nil
}

func (r SignatureResult) fail(status Status, reason FailureReason, err error) SignatureResult {
	r.Valid = false
	r.Status = status
	r.FailureReason = reason
	r.Err = err
	r.Detail = err.Error()
	return r
}

func splitCanon(c string) (Canonicalization, Canonicalization) {
	s := &Signature{Canonicalization: strings.ToLower(c)}
	return s.HeaderCanon(), s.BodyCanon()
}

// checkSignatureParams validates the algorithm and canonicalization of a
// parsed signature and returns the hash to use.
func checkSignatureParams(sig *Signature) (crypto.Hash, error) {
	if !supportedAlgorithm(sig.Algorithm) {
		return 0, fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, sig.Algorithm)
	}
	h, ok := getHash(sig.AlgorithmHash())
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, sig.AlgorithmHash())
	}

	for _, c := range []Canonicalization{sig.HeaderCanon(), sig.BodyCanon()} {
		if c != CanonSimple && c != CanonRelaxed {
			return 0, fmt.Errorf("%w: %s", ErrCanonicalizationUnknown, c)
		}
	}

	if len(sig.QueryMethods) > 0 && !containsFold(sig.QueryMethods, "dns/txt") {
		return 0, fmt.Errorf("%w: only dns/txt supported", ErrQueryMethod)
	}

	if isTLD(sig.Domain) {
		return 0, fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}
	return h, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// checkKey validates a key record against the signature using it.
func (v *Verifier) checkKey(record *Record, sig *Signature) error {
	if record.PublicKey == nil {
		return ErrKeyRevoked
	}
	if !record.HashAllowed(sig.AlgorithmHash()) {
		return fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}
	if !strings.EqualFold(record.Key, sig.AlgorithmSign()) {
		return fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrSigAlgMismatch, record.Key, sig.AlgorithmSign())
	}
	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		if bits := rsaKey.N.BitLen(); bits < v.minRSAKeyBits() {
			return fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, bits, v.minRSAKeyBits())
		}
	}
	if !record.ServiceAllowed("email") {
		return ErrKeyNotForEmail
	}
	if record.RequireStrictAlignment() && sig.Identity != "" {
		at := strings.LastIndex(sig.Identity, "@")
		if !strings.EqualFold(sig.Identity[at+1:], sig.Domain) {
			return fmt.Errorf("%w: key requires i= domain to equal d=", ErrDomainIdentityMismatch)
		}
	}
	return nil
}

// lookupKey retrieves the key record at <selector>._domainkey.<domain>.
func lookupKey(ctx context.Context, resolver dns.Resolver, selector, domain string) (*Record, bool, error) {
	name := selector + "._domainkey." + domain

	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
		}
		return nil, result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *Record
	for _, txt := range result.Records {
		r, isDKIM, err := ParseRecord(txt)
		if !isDKIM {
			continue
		}
		if err != nil {
			return nil, result.Authentic, err
		}
		if record != nil {
			return nil, result.Authentic, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		record = r
	}
	if record == nil {
		return nil, result.Authentic, fmt.Errorf("%w: %s", ErrNoRecord, name)
	}
	return record, result.Authentic, nil
}

// isTemporary reports whether a key lookup may succeed when retried.
func isTemporary(err error) bool {
	return errors.Is(err, ErrDNS) && dns.IsTemporary(err)
}

// fatal reports errors that abort the whole verification.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || dns.IsUnavailable(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// isTLD reports whether domain is a public suffix, such as "com" or
// "co.uk", which can never be a signing domain.
func isTLD(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err != nil
}
