package dmarc

import (
	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/mailauth/dns"
)

// OrganizationalDomain returns the registrable domain of domain, the label
// directly under its public suffix:
//
//	example.com        -> example.com
//	sub.example.com    -> example.com
//	sub.example.co.uk  -> example.co.uk
//
// Names without a registrable part, like "localhost", are returned as is.
func OrganizationalDomain(domain string) string {
	domain = dns.NormalizeDomain(domain)
	if domain == "" {
		return ""
	}
	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}
	return etld1
}

// DomainsAligned reports whether two domains align under mode: equal for
// strict, same organizational domain for relaxed.
func DomainsAligned(a, b string, mode Align) bool {
	a, b = dns.NormalizeDomain(a), dns.NormalizeDomain(b)
	if a == "" || b == "" {
		return false
	}
	if mode == AlignStrict {
		return a == b
	}
	return OrganizationalDomain(a) == OrganizationalDomain(b)
}
