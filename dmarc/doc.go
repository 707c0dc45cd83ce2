// Package dmarc implements Domain-based Message Authentication, Reporting,
// and Conformance (DMARC) policy evaluation per RFC 7489.
//
// DMARC authenticates the domain of the From header by requiring that SPF
// or DKIM passed for a domain aligned with it. The policy is published as
// a TXT record at "_dmarc.<domain>", or at the organizational domain for
// subdomains that publish nothing.
//
// # Basic Usage
//
//	ev := &dmarc.Evaluator{}
//	out, err := ev.Evaluate(ctx, resolver, dmarc.Input{
//	    HeaderFrom: "example.com",
//	    SPF:        spfOutcome,
//	    DKIM:       dkimOutcome,
//	    SenderIP:   net.ParseIP("192.0.2.1"),
//	    MailFrom:   "bounce@example.com",
//	})
//	if err != nil {
//	    // DNS unavailable or ctx canceled
//	}
//	switch out.Disposition {
//	case dmarc.DispositionReject:
//	case dmarc.DispositionQuarantine:
//	}
//
// # Alignment
//
// Alignment is strict (exact match) or relaxed (same organizational
// domain, per the Public Suffix List). Both default to relaxed.
//
// # Sampling
//
// A record with pct below 100 applies its policy to that share of failing
// messages only; the rest are handled one step more leniently (reject
// becomes quarantine, quarantine becomes none). Which messages are sampled
// is decided by SampleBucket, a hash of the message identifiers, so the
// same input always gets the same disposition.
//
// # References
//
//   - RFC 7489: Domain-based Message Authentication, Reporting, and Conformance (DMARC)
//   - RFC 8601: Message Header Field for Indicating Message Authentication Status
package dmarc
