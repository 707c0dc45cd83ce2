// Package dns is the resolver gateway shared by the SPF, DKIM and DMARC
// evaluators.
//
// The evaluators depend only on the Resolver interface. Concrete clients
// (DNSResolver over github.com/miekg/dns, StdResolver over net.Resolver and
// MockResolver for tests) are wrapped by a shared answer Cache and a
// per-evaluation Gateway that bounds every call with a timeout and counts it.
package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Resolver is the lookup capability the evaluators consume.
//
// Names may be given with or without a trailing dot. A lookup that finds no
// data (NXDOMAIN or an empty answer) returns ErrDNSNotFound.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)

	// LookupIP resolves A and/or AAAA records. Network is "ip4", "ip6"
	// or "ip" for both.
	LookupIP(ctx context.Context, network, host string) (Result[net.IP], error)

	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)

	// LookupAddr returns the PTR names for ip, each with a trailing dot.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// Result is the answer to one lookup.
type Result[T any] struct {
	Records []T

	// Authentic is true when the upstream resolver set the AD bit.
	Authentic bool

	// TTL is the smallest TTL in the answer section, zero when unknown.
	TTL time.Duration
}

var (
	ErrDNSNotFound    = errors.New("dns: no such record")
	ErrDNSTimeout     = errors.New("dns: lookup timed out")
	ErrDNSServFail    = errors.New("dns: server failure")
	ErrDNSRefused     = errors.New("dns: query refused")
	ErrDNSBogus       = errors.New("dns: dnssec validation failed")
	ErrDNSUnavailable = errors.New("dns: no nameserver reachable")
)

// IsNotFound reports whether err is a definitive "no data" answer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is a lookup timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err is a SERVFAIL answer.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsUnavailable reports whether no nameserver could be reached at all.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrDNSUnavailable)
}

// IsTemporary reports whether a retry at a later time could succeed.
// Unavailability counts as temporary.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) ||
		errors.Is(err, ErrDNSServFail) ||
		errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, ErrDNSUnavailable)
}

// NormalizeDomain lower-cases name, drops a trailing dot and converts
// internationalized labels to their A-label form. Names that idna rejects
// (underscore labels such as "_dmarc" are common) are returned lower-cased
// as they are.
func NormalizeDomain(name string) string {
	name = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
	if name == "" {
		return ""
	}
	if isASCII(name) {
		return name
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return name
	}
	return ascii
}

// Fqdn returns name with a trailing dot.
func Fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
