package mailauth

import (
	"fmt"
	"time"

	"github.com/emersion/go-msgauth/authres"
	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/dmarc"
	"github.com/synqronlabs/mailauth/spf"
)

// Request is the message context of one evaluation.
type Request struct {
	// Domain is the sender domain. It is checked by SPF when MailFrom has
	// no domain and stands in for the From header when Message has none.
	// Required.
	Domain string

	// SenderIP is the address of the SMTP client. Required.
	SenderIP string

	MailFrom string
	Helo     string

	// Message is the raw message including headers, optional. DKIM is
	// only performed when it is set.
	Message []byte
}

// Result is the verdict of one evaluation. It belongs to the caller and is
// not shared or cached by the engine.
type Result struct {
	// ID identifies the evaluation, for logs and correlation.
	ID ulid.ULID

	Request Request

	// HeaderFrom is the domain DMARC was evaluated for.
	HeaderFrom string

	SPF   *spf.Outcome
	DKIM  *dkim.Outcome
	DMARC *dmarc.Outcome

	Started  time.Time
	Duration time.Duration

	// DNSCalls counts every lookup made, budgeted or not, cached or not.
	DNSCalls int64
}

// AuthenticationResults renders the verdict as the value of an RFC 8601
// Authentication-Results header for authservID.
func (r *Result) AuthenticationResults(authservID string) string {
	return authres.Format(authservID, r.authresResults())
}

func (r *Result) authresResults() []authres.Result {
	var results []authres.Result

	if r.SPF != nil {
		results = append(results, &authres.SPFResult{
			Value: authres.ResultValue(r.SPF.Result),
			From:  r.Request.MailFrom,
			Helo:  r.Request.Helo,
		})
	}

	if r.DKIM != nil {
		if len(r.DKIM.Signatures) == 0 {
			results = append(results, &authres.DKIMResult{Value: authres.ResultNone})
		}
		for _, s := range r.DKIM.Signatures {
			res := &authres.DKIMResult{
				Value:  authres.ResultValue(s.Status),
				Domain: s.Domain,
				Reason: s.Detail,
			}
			if s.Signature != nil {
				res.Identifier = s.Signature.Identity
			}
			results = append(results, res)
		}
	}

	if r.DMARC != nil {
		res := &authres.DMARCResult{
			Value: authres.ResultValue(r.DMARC.Status),
			From:  r.HeaderFrom,
		}
		if r.DMARC.Present {
			res.Reason = fmt.Sprintf("p=%s dis=%s", r.DMARC.Policy, r.DMARC.Disposition)
		}
		results = append(results, res)
	}
	return results
}
