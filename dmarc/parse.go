package dmarc

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// ParseRecord parses a DMARC TXT record. Case-insensitive values are
// returned in lower case.
//
// The boolean reports whether s is a DMARC record at all (it starts with
// v=DMARC1), so unrelated TXT data at the same name can be skipped.
func ParseRecord(s string) (*Record, bool, error) {
	parts := strings.Split(s, ";")
	if len(parts) > 0 && strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}

	if len(parts) == 0 {
		return nil, false, fmt.Errorf("%w: empty record", ErrNoRecord)
	}
	name, value, ok := cutTag(parts[0])
	if !ok || name != "v" || !strings.EqualFold(value, "DMARC1") {
		return nil, false, fmt.Errorf("%w: record does not start with v=DMARC1", ErrNoRecord)
	}

	r := DefaultRecord
	r.Version = "DMARC1"
	seen := map[string]bool{}
	var policyErr error

	for _, part := range parts[1:] {
		name, value, ok := cutTag(part)
		if !ok {
			return nil, true, fmt.Errorf("%w: malformed tag %q", ErrSyntax, strings.TrimSpace(part))
		}
		if seen[name] {
			return nil, true, fmt.Errorf("%w: duplicate tag %q", ErrSyntax, name)
		}
		seen[name] = true

		var err error
		switch name {
		case "p":
			if r.Policy, err = parsePolicy(value); err != nil {
				policyErr = err
			}
		case "sp":
			if r.SubdomainPolicy, err = parsePolicy(value); err != nil {
				policyErr = err
			}
		case "rua":
			r.AggregateReportAddresses, err = parseURIs(value)
		case "ruf":
			r.FailureReportAddresses, err = parseURIs(value)
		case "adkim":
			r.ADKIM, err = parseAlign(value)
		case "aspf":
			r.ASPF, err = parseAlign(value)
		case "ri":
			r.AggregateReportingInterval, err = parseNumber(name, value)
		case "fo":
			r.FailureReportingOptions, err = parseList(value, func(v string) bool {
				return slices.Contains([]string{"0", "1", "d", "s"}, v)
			})
		case "rf":
			r.ReportingFormat, err = parseList(value, isKeyword)
		case "pct":
			r.Percentage, err = parseNumber(name, value)
			if err == nil && r.Percentage > 100 {
				err = fmt.Errorf("%w: pct=%d above 100", ErrSyntax, r.Percentage)
			}
		}
		// Unknown tags are ignored.
		if err != nil {
			return nil, true, err
		}
	}

	if !seen["p"] && policyErr == nil {
		policyErr = fmt.Errorf("%w: missing p=", ErrSyntax)
	}
	if policyErr != nil {
		// RFC 7489 section 6.6.3: a broken policy with a usable rua=
		// is read as p=none.
		if len(r.AggregateReportAddresses) == 0 {
			return nil, true, policyErr
		}
		r.Policy = PolicyNone
		r.SubdomainPolicy = PolicyEmpty
	}
	return &r, true, nil
}

func cutTag(part string) (name, value string, ok bool) {
	name, value, ok = strings.Cut(part, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	if !ok || name == "" {
		return "", "", false
	}
	for _, c := range name {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
			return "", "", false
		}
	}
	return name, strings.TrimSpace(value), true
}

func parsePolicy(v string) (Policy, error) {
	switch p := Policy(strings.ToLower(v)); p {
	case PolicyNone, PolicyQuarantine, PolicyReject:
		return p, nil
	}
	return PolicyEmpty, fmt.Errorf("%w: unknown policy %q", ErrSyntax, v)
}

func parseAlign(v string) (Align, error) {
	switch a := Align(strings.ToLower(v)); a {
	case AlignRelaxed, AlignStrict:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown alignment mode %q", ErrSyntax, v)
}

func parseNumber(tag, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || strings.HasPrefix(v, "+") {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrSyntax, tag, v)
	}
	return n, nil
}

func parseList(v string, valid func(string) bool) ([]string, error) {
	var l []string
	for _, item := range strings.Split(v, ":") {
		item = strings.ToLower(strings.TrimSpace(item))
		if !valid(item) {
			return nil, fmt.Errorf("%w: invalid list item %q", ErrSyntax, item)
		}
		l = append(l, item)
	}
	return l, nil
}

func isKeyword(s string) bool {
	if s == "" || s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for _, c := range s {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

// parseURIs parses a comma separated rua/ruf list. Each URI may carry a
// size limit such as "mailto:a@example.com!10m".
func parseURIs(v string) ([]URI, error) {
	var uris []URI
	for _, raw := range strings.Split(v, ",") {
		raw = strings.TrimSpace(raw)
		addr, size, hasSize := strings.Cut(raw, "!")
		u, err := url.Parse(addr)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("%w: invalid report URI %q", ErrSyntax, raw)
		}

		uri := URI{Address: addr}
		if hasSize {
			if n := len(size); n > 0 && strings.ContainsRune("kmgtKMGT", rune(size[n-1])) {
				uri.Unit = strings.ToLower(size[n-1:])
				size = size[:n-1]
			}
			if uri.MaxSize, err = strconv.ParseUint(size, 10, 64); err != nil {
				return nil, fmt.Errorf("%w: invalid size limit in %q", ErrSyntax, raw)
			}
		}
		uris = append(uris, uri)
	}
	return uris, nil
}
