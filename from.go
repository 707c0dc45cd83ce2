package mailauth

import (
	"bytes"
	"net/mail"
	"regexp"
	"strings"

	"github.com/synqronlabs/mailauth/dns"
)

var (
	fromAngleRe = regexp.MustCompile(`(?im)^From:.*<[^@>]+@([^>]+)>`)
	fromBareRe  = regexp.MustCompile(`(?im)^From:.*@([^\s>]+)`)
)

// HeaderFromDomain returns the lower-cased domain of the first address in
// the From header of raw, or "" when there is none.
//
// The header is parsed with net/mail; headers it rejects, which are common
// in spam, fall back to a pattern match on the raw header block.
func HeaderFromDomain(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	header := headerBlock(raw)

	if msg, err := mail.ReadMessage(bytes.NewReader(header)); err == nil {
		if addrs, err := msg.Header.AddressList("From"); err == nil && len(addrs) > 0 {
			if d := addressDomain(addrs[0].Address); d != "" {
				return d
			}
		}
	}

	for _, re := range []*regexp.Regexp{fromAngleRe, fromBareRe} {
		if m := re.FindSubmatch(header); m != nil {
			if d := dns.NormalizeDomain(strings.TrimSpace(string(m[1]))); d != "" {
				return d
			}
		}
	}
	return ""
}

// headerBlock returns the header section of raw followed by the empty line
// that ends it, so the result always parses as a message without body.
func headerBlock(raw []byte) []byte {
	end := -1
	for _, sep := range [][]byte{[]byte("\r\n\r\n"), []byte("\n\n")} {
		if i := bytes.Index(raw, sep); i >= 0 && (end < 0 || i+len(sep) < end) {
			end = i + len(sep)
		}
	}
	if end < 0 {
		return append(bytes.Clone(raw), "\r\n\r\n"...)
	}
	return raw[:end]
}

func addressDomain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return dns.NormalizeDomain(addr[at+1:])
}
