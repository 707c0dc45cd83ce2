package dmarc

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/synqronlabs/mailauth/dkim"
	"github.com/synqronlabs/mailauth/dns"
	"github.com/synqronlabs/mailauth/spf"
)

// Evaluator applies DMARC policies. The zero value is ready to use.
type Evaluator struct {
	Logger *slog.Logger
}

func (ev *Evaluator) logger() *slog.Logger {
	if ev.Logger != nil {
		return ev.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Evaluate discovers the policy of in.HeaderFrom and decides the
// disposition of the message from the SPF and DKIM outcomes.
//
// Failing to find or parse a policy is not an error: the outcome then
// has status none, temperror or permerror and disposition ALLOW. The
// error is only non-nil when ctx is done or DNS is unavailable.
func (ev *Evaluator) Evaluate(ctx context.Context, resolver dns.Resolver, in Input) (*Outcome, error) {
	from := dns.NormalizeDomain(in.HeaderFrom)
	out := &Outcome{
		Status:      StatusNone,
		Policy:      PolicyNone,
		Enforcement: PolicyNone,
		Disposition: DispositionAllow,
		Bucket:      SampleBucket(from, in.SenderIP, in.MailFrom),
	}

	d, err := discover(ctx, resolver, from)
	if err != nil {
		return nil, err
	}
	out.RecordAuthentic = d.authentic

	if d.record == nil {
		out.Status = d.status
		out.Record = d.txt
		out.Location = d.location
		if d.status != StatusNone && d.err != nil {
			out.Problem = d.err.Error()
		}
		out.Tree = buildTree(out, from, d)
		ev.log(from, out)
		return out, nil
	}

	r := d.record
	out.Present = true
	out.Location = d.location
	out.Record = d.txt
	out.Parsed = r
	out.Policy = r.EffectivePolicy(d.location != from)
	out.ASPF = r.ASPF
	out.ADKIM = r.ADKIM
	out.Pct = r.Percentage
	out.Sampled = out.Bucket <= out.Pct

	out.SPFAligned = spfAligned(in.SPF, from, r.ASPF)
	out.DKIMAligned = dkimAligned(in.DKIM, from, r.ADKIM)

	if out.SPFAligned || out.DKIMAligned {
		out.Status = StatusPass
	} else {
		out.Status = StatusFail
		out.Enforcement = out.Policy
		if !out.Sampled {
			out.Enforcement = out.Policy.downgrade()
		}
	}
	out.Disposition = dispositionFor(out.Enforcement)
	out.Tree = buildTree(out, from, d)
	ev.log(from, out)
	return out, nil
}

func (ev *Evaluator) log(from string, out *Outcome) {
	ev.logger().Debug("dmarc evaluated",
		slog.String("domain", from),
		slog.String("location", out.Location),
		slog.String("status", string(out.Status)),
		slog.String("policy", string(out.Policy)),
		slog.String("enforcement", string(out.Enforcement)),
		slog.Int("bucket", out.Bucket))
}

// spfAligned reports an SPF pass for a domain aligned with the From
// domain.
func spfAligned(o *spf.Outcome, from string, mode Align) bool {
	return o != nil && o.Result == spf.StatusPass && DomainsAligned(o.Domain, from, mode)
}

// dkimAligned reports a DKIM pass with at least one valid signature whose
// d= aligns with the From domain.
func dkimAligned(o *dkim.Outcome, from string, mode Align) bool {
	if o == nil || o.Result != dkim.StatusPass {
		return false
	}
	for _, s := range o.Signatures {
		if s.Valid && DomainsAligned(s.Domain, from, mode) {
			return true
		}
	}
	return false
}

// SampleBucket places a message in a bucket from 1 to 100 for pct
// sampling. A failing message is enforced when its bucket is at most pct.
//
// The bucket is the first two bytes of SHA-256 over the lower-cased
// From domain, sender IP and MAIL FROM joined by "|", modulo 100, plus 1,
// so the same message always lands in the same bucket.
func SampleBucket(headerFrom string, senderIP net.IP, mailFrom string) int {
	ip := ""
	if senderIP != nil {
		ip = senderIP.String()
	}
	key := strings.ToLower(strings.Join([]string{headerFrom, ip, mailFrom}, "|"))
	sum := sha256.Sum256([]byte(key))
	return int(binary.BigEndian.Uint16(sum[:2]))%100 + 1
}
