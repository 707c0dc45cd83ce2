package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ErrMacroSyntax is returned for a macro-string that cannot be expanded.
var ErrMacroSyntax = errors.New("spf: macro syntax error")

// ErrInvalidDomain is returned when an expanded domain-spec is not a valid
// domain name.
var ErrInvalidDomain = errors.New("spf: invalid domain name")

// expand expands the macros of spec (RFC 7208 section 7) for the record of
// domain. For a dnsName the result is validated as a domain name, truncated
// from the left to 253 characters and returned without a trailing dot. The
// c, r and t macros are only allowed in explanation strings.
func (e *evaluation) expand(ctx context.Context, spec, domain string, dnsName bool) (string, error) {
	var b strings.Builder
	i := 0
	n := len(spec)

	for i < n {
		c := spec[i]
		i++

		if c != '%' {
			b.WriteByte(c)
			continue
		}

		if i >= n {
			return "", fmt.Errorf("%w: trailing %%", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		switch c {
		case '%':
			b.WriteByte('%')
			continue
		case '_':
			b.WriteByte(' ')
			continue
		case '-':
			b.WriteString("%20")
			continue
		case '{':
		default:
			return "", fmt.Errorf("%w: invalid macro %%%c", ErrMacroSyntax, c)
		}

		if i >= n {
			return "", fmt.Errorf("%w: incomplete macro", ErrMacroSyntax)
		}
		c = spec[i]
		i++

		upper := false
		if c >= 'A' && c <= 'Z' {
			upper = true
			c += 'a' - 'A'
		}

		var v string
		switch c {
		case 's':
			v = e.local + "@" + e.sender
		case 'l':
			v = e.local
		case 'o':
			v = e.sender
		case 'd':
			v = domain
		case 'i':
			v = expandIP(e.ip)
		case 'p':
			var err error
			if v, err = e.validatedPTR(ctx, domain); err != nil {
				return "", err
			}
		case 'v':
			if e.ip.To4() != nil {
				v = "in-addr"
			} else {
				v = "ip6"
			}
		case 'h':
			v = e.helo
		case 'c', 'r', 't':
			if dnsName {
				return "", fmt.Errorf("%w: macro %%{%c} only allowed in exp", ErrMacroSyntax, c)
			}
			switch c {
			case 'c':
				v = e.ip.String()
			case 'r':
				v = e.receiver
				if v == "" {
					v = "unknown"
				}
			case 't':
				v = strconv.FormatInt(e.now().Unix(), 10)
			}
		default:
			return "", fmt.Errorf("%w: unknown macro letter %c", ErrMacroSyntax, c)
		}

		start := i
		for i < n && spec[i] >= '0' && spec[i] <= '9' {
			i++
		}
		nlabels := -1
		if digits := spec[start:i]; digits != "" {
			nv, err := strconv.Atoi(digits)
			if err != nil || nv == 0 {
				return "", fmt.Errorf("%w: invalid label count %q", ErrMacroSyntax, digits)
			}
			nlabels = nv
		}

		reverse := false
		if i < n && (spec[i] == 'r' || spec[i] == 'R') {
			reverse = true
			i++
		}

		start = i
		for i < n && strings.IndexByte(".-+,/_=", spec[i]) >= 0 {
			i++
		}
		delim := spec[start:i]

		if i >= n || spec[i] != '}' {
			return "", fmt.Errorf("%w: missing closing }", ErrMacroSyntax)
		}
		i++

		if nlabels >= 0 || reverse || delim != "" {
			if delim == "" {
				delim = "."
			}
			t := splitByDelim(v, delim)
			if reverse {
				reverseSlice(t)
			}
			if nlabels > 0 && nlabels < len(t) {
				t = t[len(t)-nlabels:]
			}
			v = strings.Join(t, ".")
		}

		if upper {
			v = url.QueryEscape(v)
		}
		b.WriteString(v)
	}

	s := b.String()
	if !dnsName {
		return s, nil
	}

	s = strings.TrimSuffix(s, ".")
	for len(s) > 253 {
		dot := strings.IndexByte(s, '.')
		if dot < 0 {
			return "", fmt.Errorf("%w: expanded name too long", ErrInvalidDomain)
		}
		s = s[dot+1:]
	}
	if err := validateDomain(s); err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

// validatedPTR implements the p macro: a PTR name of the sender IP that
// resolves back to it, preferring domain itself, then its subdomains. The
// reverse lookup consumes a lookup unit.
func (e *evaluation) validatedPTR(ctx context.Context, domain string) (string, error) {
	if !e.budget.Take() {
		return "", e.exhausted("%{p}")
	}
	res, err := e.resolver.LookupAddr(ctx, e.ip)
	if err != nil {
		if _, halt := e.check(ctx, err); halt != nil {
			return "", halt
		}
		return "unknown", nil
	}

	names := res.Records
	if len(names) > mxPtrLimit {
		names = names[:mxPtrLimit]
	}
	domain = strings.ToLower(domain)
	rank := func(name string) int {
		name = strings.ToLower(strings.TrimSuffix(name, "."))
		switch {
		case name == domain:
			return 0
		case strings.HasSuffix(name, "."+domain):
			return 1
		}
		return 2
	}

	for want := range 3 {
		for _, name := range names {
			if rank(name) != want {
				continue
			}
			ok, err := e.resolvesToSender(ctx, name)
			if err != nil {
				return "", err
			}
			if ok {
				return strings.TrimSuffix(name, "."), nil
			}
		}
	}
	return "unknown", nil
}

// resolvesToSender reports whether an address record of name equals the
// sender IP. Lookup failures other than fatal ones count as no.
func (e *evaluation) resolvesToSender(ctx context.Context, name string) (bool, error) {
	res, err := e.resolver.LookupIP(ctx, e.network(), name)
	if err != nil {
		if isFatal(ctx, err) {
			return false, err
		}
		return false, nil
	}
	for _, ip := range res.Records {
		if ip.Equal(e.ip) {
			return true, nil
		}
	}
	return false, nil
}

// expandIP formats ip for the i macro, IPv6 as dotted nibbles.
func expandIP(ip net.IP) string {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	ip6 := ip.To16()
	var b strings.Builder
	for i, by := range ip6 {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%x.%x", by>>4, by&0xf)
	}
	return b.String()
}

// splitByDelim splits s at any character in delim.
func splitByDelim(s, delim string) []string {
	return strings.FieldsFunc(s, func(c rune) bool {
		return strings.ContainsRune(delim, c)
	})
}

func reverseSlice(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// validateDomain checks the label structure of an expanded name.
func validateDomain(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDomain)
	}
	labels := strings.Split(s, ".")
	if len(labels) > 127 {
		return fmt.Errorf("%w: too many labels", ErrInvalidDomain)
	}
	for _, l := range labels {
		if l == "" {
			return fmt.Errorf("%w: empty label in %q", ErrInvalidDomain, s)
		}
		if len(l) > 63 {
			return fmt.Errorf("%w: label too long in %q", ErrInvalidDomain, s)
		}
	}
	return nil
}
