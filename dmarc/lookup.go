package dmarc

import (
	"context"
	"fmt"

	"github.com/synqronlabs/mailauth/dns"
)

// discovery is the result of policy discovery for one From domain.
type discovery struct {
	status    Status // none, temperror or permerror when record is nil
	location  string
	record    *Record
	txt       string
	authentic bool
	err       error

	// tried lists every _dmarc name queried, in order.
	tried []string
}

// Lookup discovers the DMARC record for domain: _dmarc.<domain> first,
// then exactly one step up to _dmarc.<organizational domain> when the
// domain itself published nothing (RFC 7489 section 6.6.3).
//
// The returned status is none when no record exists, temperror or
// permerror when discovery failed. The error is only returned when ctx is
// done or DNS is unavailable.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, location string, record *Record, txt string, err error) {
	d, err := discover(ctx, resolver, dns.NormalizeDomain(domain))
	if err != nil {
		return "", "", nil, "", err
	}
	return d.status, d.location, d.record, d.txt, nil
}

func discover(ctx context.Context, resolver dns.Resolver, domain string) (*discovery, error) {
	d := &discovery{status: StatusNone}
	if domain == "" {
		d.err = ErrNoRecord
		return d, nil
	}

	targets := []string{domain}
	if org := OrganizationalDomain(domain); org != domain {
		targets = append(targets, org)
	}

	for _, target := range targets {
		name := "_dmarc." + target
		d.tried = append(d.tried, name)

		status, record, txt, authentic, err := lookupRecord(ctx, resolver, name)
		if err != nil && fatal(ctx, err) {
			return nil, err
		}
		d.status, d.record, d.txt, d.authentic, d.err = status, record, txt, authentic, err
		d.location = target
		if record != nil || status != StatusNone {
			return d, nil
		}
	}
	d.location = ""
	return d, nil
}

// lookupRecord fetches and parses the DMARC record at name.
func lookupRecord(ctx context.Context, resolver dns.Resolver, name string) (Status, *Record, string, bool, error) {
	result, err := resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return StatusNone, nil, "", result.Authentic, ErrNoRecord
		}
		return StatusTemperror, nil, "", result.Authentic, fmt.Errorf("%w: %w", ErrDNS, err)
	}

	var record *Record
	var text string
	var parseErr error
	found := 0
	for _, txt := range result.Records {
		r, isDMARC, err := ParseRecord(txt)
		if !isDMARC {
			continue
		}
		found++
		record, text, parseErr = r, txt, err
	}

	switch {
	case found == 0:
		return StatusNone, nil, "", result.Authentic, ErrNoRecord
	case found > 1:
		return StatusPermerror, nil, "", result.Authentic, fmt.Errorf("%w at %s", ErrMultipleRecords, name)
	case parseErr != nil:
		return StatusPermerror, nil, text, result.Authentic, parseErr
	}
	return StatusNone, record, text, result.Authentic, nil
}

// fatal reports errors that abort the evaluation instead of becoming a
// temperror.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || dns.IsUnavailable(err)
}
