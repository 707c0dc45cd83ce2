// Package wire maps evaluation results to the JSON shape served to
// clients. The shape is a fixed contract: field names and nesting must not
// change.
//
//	{
//	  "spf":   {"result", "domain", "dns_lookups", "trace", "tree"},
//	  "dkim":  {"performed", "result", "domain", "header_from_domain",
//	            "aligned", "signatures", "tree"},
//	  "dmarc": {"tree", "raw": {"dmarc_result", "policy", "spf_aligned",
//	            "dkim_aligned", "enforcement"}}
//	}
//
// Result codes are upper case (PASS, FAIL, SOFTFAIL, NEUTRAL, NONE,
// TEMPERROR, PERMERROR); dmarc_result is ALLOW, QUARANTINE or REJECT.
// Lists are never null.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/spf"
)

// Request is the body of a check request. Optional fields may be null.
type Request struct {
	Domain      string  `json:"domain"`
	SenderIP    string  `json:"sender_ip"`
	MailFrom    *string `json:"mail_from"`
	Helo        *string `json:"helo"`
	RawEmailB64 *string `json:"raw_email_b64"`
}

// DecodeRequest reads a JSON request from r. Malformed JSON is a client
// error.
func DecodeRequest(r io.Reader) (Request, error) {
	var req Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return Request{}, &mailauth.ClientInputError{Field: "body", Reason: err.Error()}
	}
	return req, nil
}

// ToEngine converts req to an engine request, decoding the message.
func (req Request) ToEngine() (mailauth.Request, error) {
	out := mailauth.Request{
		Domain:   req.Domain,
		SenderIP: req.SenderIP,
		MailFrom: deref(req.MailFrom),
		Helo:     deref(req.Helo),
	}
	if b64 := strings.TrimSpace(deref(req.RawEmailB64)); b64 != "" {
		msg, err := decodeBase64(b64)
		if err != nil {
			return mailauth.Request{}, &mailauth.ClientInputError{Field: "raw_email_b64", Reason: err.Error()}
		}
		out.Message = msg
	}
	return out, nil
}

// decodeBase64 accepts padded and unpadded standard base64, ignoring line
// breaks as produced by common encoders.
func decodeBase64(s string) ([]byte, error) {
	s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return b, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Response is the verdict as served to clients.
type Response struct {
	SPF   SPF   `json:"spf"`
	DKIM  DKIM  `json:"dkim"`
	DMARC DMARC `json:"dmarc"`
}

type SPF struct {
	Result     string     `json:"result"`
	Domain     string     `json:"domain"`
	DNSLookups int        `json:"dns_lookups"`
	Trace      []string   `json:"trace"`
	Tree       PolicyNode `json:"tree"`
}

// PolicyNode is one domain of the SPF include/redirect tree. SPF is the
// raw record, null when the domain has none.
type PolicyNode struct {
	Domain     string       `json:"domain"`
	SPF        *string      `json:"spf"`
	Mechanisms []string     `json:"mechanisms"`
	Children   []PolicyNode `json:"children"`
}

type DKIM struct {
	Performed        bool        `json:"performed"`
	Result           string      `json:"result"`
	Domain           string      `json:"domain"`
	HeaderFromDomain string      `json:"header_from_domain"`
	Aligned          bool        `json:"aligned"`
	Signatures       []Signature `json:"signatures"`
	Tree             []string    `json:"tree"`
}

type Signature struct {
	Domain           string `json:"domain"`
	Selector         string `json:"selector"`
	Algorithm        string `json:"algorithm"`
	Canonicalization string `json:"canonicalization"`
}

type DMARC struct {
	Tree []string `json:"tree"`
	Raw  DMARCRaw `json:"raw"`
}

type DMARCRaw struct {
	DMARCResult string `json:"dmarc_result"`
	Policy      string `json:"policy"`
	SPFAligned  bool   `json:"spf_aligned"`
	DKIMAligned bool   `json:"dkim_aligned"`
	Enforcement string `json:"enforcement"`
}

// FromResult maps an engine result to the wire shape.
func FromResult(r *mailauth.Result) *Response {
	resp := &Response{
		SPF: SPF{
			Result: "NONE",
			Domain: r.Request.Domain,
			Trace:  []string{},
			Tree:   PolicyNode{Domain: r.Request.Domain, Mechanisms: []string{}, Children: []PolicyNode{}},
		},
		DKIM: DKIM{
			Result:           "NONE",
			HeaderFromDomain: r.HeaderFrom,
			Signatures:       []Signature{},
			Tree:             []string{},
		},
		DMARC: DMARC{
			Tree: []string{},
			Raw:  DMARCRaw{DMARCResult: "ALLOW", Policy: "none", Enforcement: "none"},
		},
	}

	if o := r.SPF; o != nil {
		resp.SPF.Result = upper(string(o.Result))
		resp.SPF.Domain = o.Domain
		resp.SPF.DNSLookups = o.DNSLookups
		resp.SPF.Trace = strs(o.Trace)
		if o.Tree != nil {
			resp.SPF.Tree = policyNode(o.Tree)
		}
	}

	if o := r.DKIM; o != nil {
		resp.DKIM.Performed = o.Performed
		resp.DKIM.Result = upper(string(o.Result))
		resp.DKIM.Domain = o.Domain
		if o.HeaderFromDomain != "" {
			resp.DKIM.HeaderFromDomain = o.HeaderFromDomain
		}
		resp.DKIM.Aligned = o.Aligned
		resp.DKIM.Tree = strs(o.Tree)
		for _, s := range o.Signatures {
			resp.DKIM.Signatures = append(resp.DKIM.Signatures, Signature{
				Domain:           s.Domain,
				Selector:         s.Selector,
				Algorithm:        s.Algorithm,
				Canonicalization: canonicalization(string(s.HeaderCanon), string(s.BodyCanon)),
			})
		}
	}

	if o := r.DMARC; o != nil {
		resp.DMARC.Tree = strs(o.Tree)
		resp.DMARC.Raw = DMARCRaw{
			DMARCResult: string(o.Disposition),
			Policy:      orNone(string(o.Policy)),
			SPFAligned:  o.SPFAligned,
			DKIMAligned: o.DKIMAligned,
			Enforcement: orNone(string(o.Enforcement)),
		}
	}
	return resp
}

func policyNode(n *spf.PolicyNode) PolicyNode {
	out := PolicyNode{
		Domain:     n.Domain,
		Mechanisms: make([]string, 0, len(n.Mechanisms)+1),
		Children:   make([]PolicyNode, 0, len(n.Children)),
	}
	if n.HasRecord {
		record := n.Record
		out.SPF = &record
	}
	for _, m := range n.Mechanisms {
		out.Mechanisms = append(out.Mechanisms, m.String())
	}
	if n.Marker != "" {
		out.Mechanisms = append(out.Mechanisms, n.Marker)
	}
	for _, c := range n.Children {
		out.Children = append(out.Children, policyNode(c))
	}
	return out
}

func canonicalization(header, body string) string {
	if header == "" && body == "" {
		return ""
	}
	return header + "/" + body
}

func upper(s string) string {
	if s == "" {
		return "NONE"
	}
	return strings.ToUpper(s)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func strs(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
