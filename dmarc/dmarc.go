package dmarc

import (
	"errors"
	"net"
	"strings"

	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/spf"
)

var (
	// ErrNoRecord indicates no DMARC DNS record was found.
	ErrNoRecord = errors.New("dmarc: no DMARC DNS record found")

	// ErrMultipleRecords indicates several DMARC records at one name.
	// RFC 7489 section 6.6.3 treats this as a domain without a policy.
	ErrMultipleRecords = errors.New("dmarc: multiple DMARC DNS records found")

	// ErrSyntax indicates the DMARC record has invalid syntax.
	ErrSyntax = errors.New("dmarc: malformed DMARC DNS record")

	// ErrDNS indicates a DNS lookup error occurred.
	ErrDNS = errors.New("dmarc: DNS lookup error")
)

// Status is the DMARC result as used in Authentication-Results (RFC 8601).
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Policy is the requested handling of messages that fail DMARC.
type Policy string

const (
	// PolicyEmpty is only used for the optional subdomain policy.
	PolicyEmpty      Policy = ""
	PolicyNone       Policy = "none"
	PolicyQuarantine Policy = "quarantine"
	PolicyReject     Policy = "reject"
)

// downgrade returns the policy one step towards none.
func (p Policy) downgrade() Policy {
	switch p {
	case PolicyReject:
		return PolicyQuarantine
	default:
		return PolicyNone
	}
}

// Align specifies the alignment mode for identifier comparison.
type Align string

const (
	// AlignRelaxed requires the organizational domains to match.
	AlignRelaxed Align = "r"

	// AlignStrict requires exact domain matches.
	AlignStrict Align = "s"
)

// Disposition is what the receiver should do with the message.
type Disposition string

const (
	DispositionAllow      Disposition = "ALLOW"
	DispositionQuarantine Disposition = "QUARANTINE"
	DispositionReject     Disposition = "REJECT"
)

func dispositionFor(p Policy) Disposition {
	switch p {
	case PolicyReject:
		return DispositionReject
	case PolicyQuarantine:
		return DispositionQuarantine
	default:
		return DispositionAllow
	}
}

// Input carries what DMARC needs from the rest of the pipeline. SPF and
// DKIM may be nil when those checks did not run.
type Input struct {
	// HeaderFrom is the domain of the RFC5322.From header.
	HeaderFrom string

	SPF  *spf.Outcome
	DKIM *dkim.Outcome

	// SenderIP and MailFrom only feed the sampling bucket.
	SenderIP net.IP
	MailFrom string
}

// Outcome is the result of evaluating DMARC for one message.
type Outcome struct {
	// Present is true when a single usable DMARC record was found.
	Present bool

	// Location is the domain whose _dmarc name held the record. It is the
	// organizational domain when the From domain published nothing.
	Location string

	// Record is the raw TXT record, Parsed its decoded form.
	Record string
	Parsed *Record

	// Policy is the nominal policy: p, or sp for a subdomain.
	Policy Policy
	ASPF   Align
	ADKIM  Align
	Pct    int

	SPFAligned  bool
	DKIMAligned bool

	Status Status

	// Enforcement is the policy actually applied after pct sampling.
	Enforcement Policy
	Disposition Disposition

	// Bucket is the sampling bucket of the message (1..100); Sampled
	// reports Bucket <= Pct.
	Bucket  int
	Sampled bool

	// RecordAuthentic reports a DNSSEC validated answer.
	RecordAuthentic bool

	// Problem explains a temperror or permerror.
	Problem string

	Tree []string
}

// Passed reports whether the message is authenticated by DMARC.
func (o *Outcome) Passed() bool {
	return o.Status == StatusPass
}

func (s Status) upper() string {
	return strings.ToUpper(string(s))
}
