package dmarc

import (
	"strconv"
	"strings"
)

// URI is a destination for aggregate (rua) or failure (ruf) reports.
type URI struct {
	// Address is the full URI, usually mailto:.
	Address string

	// MaxSize is the optional size limit, in Unit ("", k, m, g or t,
	// powers of 2).
	MaxSize uint64
	Unit    string
}

// String returns the URI formatted for a DMARC record.
func (u URI) String() string {
	s := strings.NewReplacer(",", "%2C", "!", "%21").Replace(u.Address)
	if u.MaxSize > 0 {
		s += "!" + strconv.FormatUint(u.MaxSize, 10)
	}
	return s + u.Unit
}

// Record is a parsed DMARC TXT record such as
//
//	v=DMARC1; p=reject; rua=mailto:dmarc@example.com
type Record struct {
	Version string

	// Policy (p) applies to the domain itself, SubdomainPolicy (sp) to
	// its subdomains when set.
	Policy          Policy
	SubdomainPolicy Policy

	AggregateReportAddresses []URI
	FailureReportAddresses   []URI

	ADKIM Align
	ASPF  Align

	// AggregateReportingInterval (ri) is in seconds.
	AggregateReportingInterval int

	// FailureReportingOptions (fo) is a list of 0, 1, d and s.
	FailureReportingOptions []string

	// ReportingFormat (rf), "afrf" by default.
	ReportingFormat []string

	// Percentage (pct) of failing messages the policy applies to.
	Percentage int
}

// DefaultRecord holds the values of tags a record leaves out.
var DefaultRecord = Record{
	Version:                    "DMARC1",
	ADKIM:                      AlignRelaxed,
	ASPF:                       AlignRelaxed,
	AggregateReportingInterval: 86400,
	FailureReportingOptions:    []string{"0"},
	ReportingFormat:            []string{"afrf"},
	Percentage:                 100,
}

// String formats the record for DNS, leaving out default values.
func (r Record) String() string {
	parts := []string{"v=" + r.Version}
	add := func(cond bool, tag, value string) {
		if cond {
			parts = append(parts, tag+"="+value)
		}
	}

	add(r.Policy != PolicyEmpty, "p", string(r.Policy))
	add(r.SubdomainPolicy != PolicyEmpty, "sp", string(r.SubdomainPolicy))
	add(len(r.AggregateReportAddresses) > 0, "rua", joinURIs(r.AggregateReportAddresses))
	add(len(r.FailureReportAddresses) > 0, "ruf", joinURIs(r.FailureReportAddresses))
	add(r.ADKIM != AlignRelaxed, "adkim", string(r.ADKIM))
	add(r.ASPF != AlignRelaxed, "aspf", string(r.ASPF))
	add(r.AggregateReportingInterval != 86400, "ri", strconv.Itoa(r.AggregateReportingInterval))
	add(!isDefaultList(r.FailureReportingOptions, "0"), "fo", strings.Join(r.FailureReportingOptions, ":"))
	add(!isDefaultList(r.ReportingFormat, "afrf"), "rf", strings.Join(r.ReportingFormat, ":"))
	add(r.Percentage != 100, "pct", strconv.Itoa(r.Percentage))

	return strings.Join(parts, "; ")
}

func joinURIs(uris []URI) string {
	s := make([]string, len(uris))
	for i, u := range uris {
		s[i] = u.String()
	}
	return strings.Join(s, ",")
}

func isDefaultList(l []string, def string) bool {
	return len(l) == 0 || len(l) == 1 && l[0] == def
}

// EffectivePolicy returns sp for a subdomain when it is set, else p.
func (r *Record) EffectivePolicy(isSubdomain bool) Policy {
	if isSubdomain && r.SubdomainPolicy != PolicyEmpty {
		return r.SubdomainPolicy
	}
	return r.Policy
}
