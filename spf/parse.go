package spf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrRecordSyntax is wrapped by every ParseError.
var ErrRecordSyntax = errors.New("spf: malformed SPF record")

// ParseError describes the first term of a record that failed to parse.
type ParseError struct {
	Term string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Term == "" {
		return "spf: malformed SPF record: " + e.Msg
	}
	return fmt.Sprintf("spf: malformed SPF record: term %q: %s", e.Term, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrRecordSyntax }

// Record is a parsed SPF DNS record.
//
// An example record for example.com:
//
//	v=spf1 +mx a:colo.example.com/28 -all
type Record struct {
	// Raw is the TXT string the record was parsed from.
	Raw string

	// Version is always "spf1".
	Version string

	// Directives are evaluated in order until one matches.
	Directives []Directive

	// Redirect is the domain-spec of the "redirect=" modifier.
	Redirect string

	// Explanation is the domain-spec of the "exp=" modifier.
	Explanation string

	// Other holds unknown modifiers, which are ignored during evaluation.
	Other []Modifier
}

// String returns the record in canonical form.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString("v=spf1")
	for _, d := range r.Directives {
		b.WriteByte(' ')
		b.WriteString(d.String())
	}
	if r.Redirect != "" {
		b.WriteString(" redirect=")
		b.WriteString(r.Redirect)
	}
	if r.Explanation != "" {
		b.WriteString(" exp=")
		b.WriteString(r.Explanation)
	}
	for _, m := range r.Other {
		b.WriteByte(' ')
		b.WriteString(m.Key)
		b.WriteByte('=')
		b.WriteString(m.Value)
	}
	return b.String()
}

// Directive is a mechanism with its qualifier.
type Directive struct {
	// Qualifier is "", "+", "-", "~" or "?". Empty means "+".
	Qualifier string

	// Mechanism is one of: all, include, a, mx, ptr, ip4, ip6, exists.
	Mechanism string

	// DomainSpec is the (unexpanded) target of include, a, mx, ptr and exists.
	DomainSpec string

	// IP is the network address of ip4 and ip6.
	IP net.IP

	// IP4CIDRLen and IP6CIDRLen are the prefix lengths given in the record,
	// nil when absent.
	IP4CIDRLen *int
	IP6CIDRLen *int
}

// String returns the directive in record syntax.
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier)
	b.WriteString(d.Mechanism)
	b.WriteString(d.value())
	return b.String()
}

// value is everything after the mechanism name, including the ':' or '/'.
func (d Directive) value() string {
	var b strings.Builder
	switch {
	case d.DomainSpec != "":
		b.WriteByte(':')
		b.WriteString(d.DomainSpec)
	case d.IP != nil:
		b.WriteByte(':')
		if ip4 := d.IP.To4(); ip4 != nil && d.Mechanism == "ip4" {
			b.WriteString(ip4.String())
		} else {
			b.WriteString(d.IP.String())
		}
	}
	if d.IP4CIDRLen != nil {
		fmt.Fprintf(&b, "/%d", *d.IP4CIDRLen)
	}
	if d.IP6CIDRLen != nil {
		if d.Mechanism != "ip6" {
			b.WriteByte('/')
		}
		fmt.Fprintf(&b, "/%d", *d.IP6CIDRLen)
	}
	return b.String()
}

// Status returns the result this directive produces when it matches.
func (d Directive) Status() Status {
	switch d.Qualifier {
	case "-":
		return StatusFail
	case "~":
		return StatusSoftfail
	case "?":
		return StatusNeutral
	}
	return StatusPass
}

// Modifier is an unknown name=value term.
type Modifier struct {
	Key   string
	Value string
}

// IsRecord reports whether txt claims to be an SPF version 1 record: it
// starts with "v=spf1" followed by a space or the end of the string.
func IsRecord(txt string) bool {
	if len(txt) < 6 || !strings.EqualFold(txt[:6], "v=spf1") {
		return false
	}
	return len(txt) == 6 || txt[6] == ' '
}

// ParseRecord parses an SPF DNS TXT record. The record must satisfy IsRecord.
func ParseRecord(s string) (r *Record, err error) {
	if !IsRecord(s) {
		return nil, &ParseError{Msg: "record does not start with v=spf1"}
	}

	r = &Record{Raw: s, Version: "spf1"}

	var term string
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if perr, ok := x.(parseError); ok {
			r = nil
			err = &ParseError{Term: term, Msg: string(perr)}
			return
		}
		panic(x)
	}()

	for _, term = range strings.Split(s[len("v=spf1"):], " ") {
		if term == "" {
			continue
		}
		p := parser{s: term, lower: toLower(term)}
		p.xterm(r)
	}

	return r, nil
}

// parser is the state for parsing a single term.
type parser struct {
	s     string // original term
	lower string // lower-cased term for case-insensitive matching
	o     int    // offset
}

// parseError is recovered by ParseRecord.
type parseError string

// toLower lower-cases ASCII A-Z without affecting other bytes.
func toLower(s string) string {
	r := []byte(s)
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			r[i] = c + 0x20
		}
	}
	return string(r)
}

func (p *parser) xterm(r *Record) {
	qualifier := p.takelist("+", "-", "?", "~")
	name := toLower(p.xname())

	if qualifier == "" && p.take("=") {
		switch name {
		case "redirect":
			if r.Redirect != "" {
				p.xerrorf("duplicate redirect modifier")
			}
			r.Redirect = p.xdomainSpec(true)
		case "exp":
			if r.Explanation != "" {
				p.xerrorf("duplicate exp modifier")
			}
			r.Explanation = p.xdomainSpec(true)
		default:
			if c := name[0]; c < 'a' || c > 'z' {
				p.xerrorf("modifier name must start with a letter")
			}
			r.Other = append(r.Other, Modifier{Key: name, Value: p.xmacroString(true)})
		}
		p.xend()
		return
	}

	d := Directive{Qualifier: qualifier, Mechanism: name}

	switch name {
	case "all":

	case "include", "exists":
		p.xtake(":")
		d.DomainSpec = p.xdomainSpec(false)

	case "a", "mx":
		if p.take(":") {
			d.DomainSpec = p.xdomainSpec(false)
		}
		p.xdualCIDR(&d)

	case "ptr":
		if p.take(":") {
			d.DomainSpec = p.xdomainSpec(false)
		}

	case "ip4":
		p.xtake(":")
		d.IP = p.xip4address()
		if p.take("/") {
			n := p.xnumber()
			if n > 32 {
				p.xerrorf("invalid IPv4 CIDR length %d", n)
			}
			d.IP4CIDRLen = &n
		}

	case "ip6":
		p.xtake(":")
		d.IP = p.xip6address()
		if p.take("/") {
			n := p.xnumber()
			if n > 128 {
				p.xerrorf("invalid IPv6 CIDR length %d", n)
			}
			d.IP6CIDRLen = &n
		}

	default:
		p.xerrorf("unknown mechanism %q", name)
	}

	p.xend()
	r.Directives = append(r.Directives, d)
}

// xdualCIDR parses the optional "/n", "//n" or "/n//m" suffix of a and mx.
func (p *parser) xdualCIDR(d *Directive) {
	if !p.take("/") {
		return
	}
	if !p.take("/") {
		n := p.xnumber()
		if n > 32 {
			p.xerrorf("invalid IPv4 CIDR length %d", n)
		}
		d.IP4CIDRLen = &n
		if !p.take("//") {
			return
		}
	}
	n := p.xnumber()
	if n > 128 {
		p.xerrorf("invalid IPv6 CIDR length %d", n)
	}
	d.IP6CIDRLen = &n
}

func (p *parser) xerrorf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if !p.empty() {
		msg += fmt.Sprintf(" (remaining: %q)", p.s[p.o:])
	}
	panic(parseError(msg))
}

func (p *parser) empty() bool {
	return p.o >= len(p.s)
}

func (p *parser) xend() {
	if !p.empty() {
		p.xerrorf("unexpected characters")
	}
}

func (p *parser) peekchar() byte {
	return p.s[p.o]
}

func (p *parser) take(s string) bool {
	if strings.HasPrefix(p.lower[p.o:], s) {
		p.o += len(s)
		return true
	}
	return false
}

func (p *parser) xtake(s string) string {
	if !p.take(s) {
		p.xerrorf("expected %q", s)
	}
	return s
}

func (p *parser) takelist(l ...string) string {
	for _, w := range l {
		if p.take(w) {
			return w
		}
	}
	return ""
}

func (p *parser) xtakelist(l ...string) string {
	w := p.takelist(l...)
	if w == "" {
		p.xerrorf("no match for %v", l)
	}
	return w
}

// xname takes a mechanism or modifier name.
func (p *parser) xname() string {
	start := p.o
	for !p.empty() {
		c := p.peekchar()
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.' {
			p.o++
			continue
		}
		break
	}
	if p.o == start {
		p.xerrorf("expected mechanism or modifier name")
	}
	return p.s[start:p.o]
}

// digits parses zero or more digits.
func (p *parser) digits() string {
	start := p.o
	for !p.empty() {
		if b := p.peekchar(); b < '0' || b > '9' {
			break
		}
		p.o++
	}
	return p.s[start:p.o]
}

func (p *parser) xnumber() int {
	s := p.digits()
	if s == "" {
		p.xerrorf("expected number")
	}
	if len(s) > 1 && s[0] == '0' {
		p.xerrorf("invalid leading zero in number")
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.xerrorf("parsing number %q: %s", s, err)
	}
	return v
}

// xdomainSpec parses a domain-spec. includingSlash is false for mechanisms
// where a '/' starts the CIDR suffix.
func (p *parser) xdomainSpec(includingSlash bool) string {
	s := p.xmacroString(includingSlash)
	if s == "" {
		p.xerrorf("empty domain-spec")
	}

	// domain-end is a macro-expand or a toplabel
	for _, suf := range []string{"%%", "%_", "%-", "}"} {
		if strings.HasSuffix(s, suf) {
			return s
		}
	}

	labels := strings.Split(strings.TrimSuffix(s, "."), ".")
	t := labels[len(labels)-1]
	if t == "" {
		p.xerrorf("invalid empty toplabel")
	}

	digits := 0
	for i, c := range t {
		switch {
		case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			digits++
		case c == '-':
			if i == 0 || i == len(t)-1 {
				p.xerrorf("toplabel cannot start or end with dash")
			}
		default:
			p.xerrorf("invalid character in toplabel")
		}
	}
	if digits == len(t) {
		p.xerrorf("toplabel cannot be all digits")
	}

	return s
}

// xmacroString parses a macro-string, keeping it unexpanded.
func (p *parser) xmacroString(includingSlash bool) string {
	var b strings.Builder
	for !p.empty() {
		w := p.takelist("%{", "%%", "%_", "%-")
		if w == "" {
			b0 := p.peekchar()
			if b0 == '%' {
				p.xerrorf("invalid macro")
			}
			if b0 > ' ' && b0 < 0x7f && (includingSlash || b0 != '/') {
				b.WriteByte(b0)
				p.o++
				continue
			}
			break
		}
		b.WriteString(w)
		if w != "%{" {
			continue
		}

		// macro letter keeps its case, upper case means URL escaping
		start := p.o
		p.xtakelist("s", "l", "o", "d", "i", "p", "h", "c", "r", "t", "v")
		b.WriteString(p.s[start:p.o])

		digits := p.digits()
		if digits != "" {
			if v, err := strconv.Atoi(digits); err != nil || v == 0 {
				p.xerrorf("invalid label count %q", digits)
			}
		}
		b.WriteString(digits)

		if p.take("r") {
			b.WriteByte('r')
		}
		for {
			delim := p.takelist(".", "-", "+", ",", "/", "_", "=")
			if delim == "" {
				break
			}
			b.WriteString(delim)
		}
		b.WriteString(p.xtake("}"))
	}
	return b.String()
}

func (p *parser) xip4address() net.IP {
	octet := func() byte {
		v := p.xnumber()
		if v > 255 {
			p.xerrorf("invalid IPv4 octet %d", v)
		}
		return byte(v)
	}

	a := octet()
	p.xtake(".")
	b := octet()
	p.xtake(".")
	c := octet()
	p.xtake(".")
	d := octet()

	return net.IPv4(a, b, c, d)
}

func (p *parser) xip6address() net.IP {
	start := p.o
	for !p.empty() {
		c := p.peekchar()
		if c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' || c == ':' || c == '.' {
			p.o++
			continue
		}
		break
	}
	s := p.s[start:p.o]
	ip := net.ParseIP(s)
	if ip == nil || !strings.Contains(s, ":") {
		p.xerrorf("invalid IPv6 address %q", s)
	}
	return ip
}
