package dkim

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrTagSyntax reports a tag-list that cannot be parsed.
var ErrTagSyntax = errors.New("dkim: malformed tag list")

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
type Signature struct {
	// Required fields
	Version       int      // v= Version, must be 1
	Algorithm     string   // a= Algorithm (e.g., "rsa-sha256")
	Signature     []byte   // b= Signature data
	BodyHash      []byte   // bh= Body hash
	Domain        string   // d= Signing domain
	SignedHeaders []string // h= Signed header fields
	Selector      string   // s= Selector

	// Optional fields
	Canonicalization string   // c= Canonicalization (e.g., "relaxed/simple")
	Identity         string   // i= Agent or User Identifier (AUID)
	Length           int64    // l= Body length limit (-1 if not set)
	QueryMethods     []string // q= Query methods
	SignTime         int64    // t= Signature timestamp (-1 if not set)
	ExpireTime       int64    // x= Signature expiration (-1 if not set)
	CopiedHeaders    []string // z= Copied header fields
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		Length:           -1,
		SignTime:         -1,
		ExpireTime:       -1,
	}
}

// AlgorithmSign returns the signing algorithm part (e.g., "rsa" from "rsa-sha256").
func (s *Signature) AlgorithmSign() string {
	sign, _, _ := strings.Cut(s.Algorithm, "-")
	return sign
}

// AlgorithmHash returns the hash algorithm part (e.g., "sha256" from "rsa-sha256").
func (s *Signature) AlgorithmHash() string {
	_, h, _ := strings.Cut(s.Algorithm, "-")
	return h
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	h, _, _ := strings.Cut(s.Canonicalization, "/")
	if h == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(h))
}

// BodyCanon returns the body canonicalization algorithm. It defaults to
// simple, also when only the header algorithm is given.
func (s *Signature) BodyCanon() Canonicalization {
	_, b, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || b == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(b))
}

// tag is one tag=value pair of a tag-list (RFC 6376 section 3.2).
type tag struct {
	name  string
	value string
}

// parseTagList splits an unfolded tag-list, keeping the order of the tags.
// Duplicate tag names are an error; an empty trailing element is allowed.
func parseTagList(s string) ([]tag, error) {
	var tags []tag
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q has no value", ErrTagSyntax, part)
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty tag name", ErrTagSyntax)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, name)
		}
		seen[name] = true
		tags = append(tags, tag{name: name, value: strings.TrimSpace(value)})
	}
	return tags, nil
}

// stripFWS removes all whitespace, as allowed inside base64 values.
func stripFWS(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

func splitList(s, sep string) []string {
	var out []string
	for _, v := range strings.Split(s, sep) {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ParseSignature parses a DKIM-Signature header. The input includes the
// header name and may be folded. Besides the signature it returns the
// header with the b= value removed, as it enters the header hash.
func ParseSignature(header string) (*Signature, []byte, error) {
	input := strings.TrimSuffix(header, "\r\n")

	name, value, ok := strings.Cut(input, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(name), "DKIM-Signature") {
		return nil, nil, fmt.Errorf("%w: not a DKIM-Signature header", ErrHeaderMalformed)
	}

	tags, err := parseTagList(unfoldHeader(value))
	if err != nil {
		return nil, nil, err
	}

	sig := NewSignature()
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		seen[t.name] = true
		if err := sig.set(t.name, t.value); err != nil {
			return nil, nil, err
		}
	}

	for _, t := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[t] {
			return nil, nil, fmt.Errorf("%w: %s", ErrMissingTag, t)
		}
	}
	if err := sig.validate(); err != nil {
		return nil, nil, err
	}

	return sig, []byte(name + ":" + stripSignatureValue(value)), nil
}

// set decodes a single tag into the signature. Unknown tags are ignored.
func (s *Signature) set(name, value string) error {
	var err error
	switch name {
	case "v":
		if value != "1" {
			return fmt.Errorf("%w: %s", ErrInvalidVersion, value)
		}
		s.Version = 1
	case "a":
		s.Algorithm = strings.ToLower(value)
	case "b":
		s.Signature, err = base64.StdEncoding.DecodeString(stripFWS(value))
		if err != nil {
			return fmt.Errorf("%w: b= is not base64: %v", ErrTagSyntax, err)
		}
	case "bh":
		s.BodyHash, err = base64.StdEncoding.DecodeString(stripFWS(value))
		if err != nil {
			return fmt.Errorf("%w: bh= is not base64: %v", ErrTagSyntax, err)
		}
	case "c":
		s.Canonicalization = strings.ToLower(value)
	case "d":
		s.Domain = strings.ToLower(value)
	case "h":
		s.SignedHeaders = splitList(value, ":")
	case "i":
		s.Identity = value
	case "l":
		s.Length, err = parseTagInt(name, value)
	case "q":
		s.QueryMethods = splitList(value, ":")
	case "s":
		s.Selector = strings.ToLower(value)
	case "t":
		s.SignTime, err = parseTagInt(name, value)
	case "x":
		s.ExpireTime, err = parseTagInt(name, value)
	case "z":
		for _, h := range strings.Split(value, "|") {
			s.CopiedHeaders = append(s.CopiedHeaders, decodeCopiedHeader(strings.TrimSpace(h)))
		}
	}
	return err
}

func parseTagInt(name, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%s is not a number", ErrTagSyntax, name, value)
	}
	return n, nil
}

// validate checks the relations between tags once all are known.
func (s *Signature) validate() error {
	hasFrom := false
	for _, h := range s.SignedHeaders {
		if strings.EqualFold(h, "from") {
			hasFrom = true
			break
		}
	}
	if !hasFrom {
		return fmt.Errorf("%w: h= does not include From", ErrFromRequired)
	}

	if s.Domain == "" || s.Selector == "" {
		return fmt.Errorf("%w: empty d= or s=", ErrTagSyntax)
	}

	switch strings.ToLower(s.AlgorithmHash()) {
	case "sha1":
		if len(s.BodyHash) != 20 {
			return fmt.Errorf("%w: got %d bytes, expected 20 for sha1", ErrBodyHashLength, len(s.BodyHash))
		}
	case "sha256":
		if len(s.BodyHash) != 32 {
			return fmt.Errorf("%w: got %d bytes, expected 32 for sha256", ErrBodyHashLength, len(s.BodyHash))
		}
	}

	if s.SignTime >= 0 && s.ExpireTime >= 0 && s.SignTime >= s.ExpireTime {
		return fmt.Errorf("%w: x= is not after t=", ErrTagSyntax)
	}

	if s.Identity != "" {
		at := strings.LastIndex(s.Identity, "@")
		if at < 0 {
			return fmt.Errorf("%w: i= has no @", ErrTagSyntax)
		}
		id := strings.ToLower(s.Identity[at+1:])
		if id != s.Domain && !strings.HasSuffix(id, "."+s.Domain) {
			return fmt.Errorf("%w: identity domain %s not under signing domain %s",
				ErrDomainIdentityMismatch, id, s.Domain)
		}
	}
	return nil
}

// stripB matches the b= tag of a header value, keeping the tag name.
var stripB = regexp.MustCompile(`(^|;)(\s*b\s*=)[^;]*`)

// stripSignatureValue empties the b= value of a raw, possibly folded,
// DKIM-Signature value. Everything else, FWS included, is kept as is.
func stripSignatureValue(value string) string {
	return stripB.ReplaceAllString(value, "${1}${2}")
}

// peekTags extracts whatever tags it can from a header that failed to
// parse, so a malformed signature can still be reported by domain.
func peekTags(header string) map[string]string {
	_, value, _ := strings.Cut(header, ":")
	tags := make(map[string]string)
	for _, part := range strings.Split(unfoldHeader(value), ";") {
		name, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if _, dup := tags[name]; !dup {
			tags[name] = strings.TrimSpace(v)
		}
	}
	return tags
}

// unfoldHeader unfolds a folded header (removes CRLF followed by whitespace)
func unfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\n\t", " ")
	return strings.ReplaceAll(s, "\n ", " ")
}

// headerWriter helps create DKIM-Signature headers with proper folding.
// It tracks line length and folds to the next line when needed (RFC 5322).
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

const maxLineLen = 76

// add adds text, potentially folding to a new line if it exceeds maxLineLen.
func (w *headerWriter) add(sep, text string) {
	if w.nonfirst && w.lineLen > 1 && w.lineLen+len(sep)+len(text) > maxLineLen {
		w.b.WriteString("\r\n\t")
		w.lineLen = 1
	} else if w.nonfirst && sep != "" {
		w.b.WriteString(sep)
		w.lineLen += len(sep)
	}
	w.b.WriteString(text)
	w.lineLen += len(text)
	w.nonfirst = true
}

func (w *headerWriter) addf(sep, format string, args ...any) {
	w.add(sep, fmt.Sprintf(format, args...))
}

// addWrap adds data that can be wrapped at any position (like base64).
func (w *headerWriter) addWrap(data string) {
	for len(data) > 0 {
		n := maxLineLen - w.lineLen
		if n <= 0 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
			n = maxLineLen - 1
		}
		n = min(n, len(data))
		w.b.WriteString(data[:n])
		w.lineLen += n
		data = data[n:]
	}
}

// addList writes a colon or pipe separated tag value, folding between items.
func (w *headerWriter) addList(tagName string, items []string, sep string) {
	for i, item := range items {
		space := ""
		if i == 0 {
			item = tagName + "=" + item
			space = " "
		}
		if i < len(items)-1 {
			item += sep
		} else {
			item += ";"
		}
		w.add(space, item)
	}
}

// Header generates the DKIM-Signature header string.
// If includeSignature is false, the b= value is left empty for signing.
func (s *Signature) Header(includeSignature bool) string {
	w := &headerWriter{}

	w.addf("", "DKIM-Signature: v=%d;", s.Version)
	w.addf(" ", "d=%s;", s.Domain)
	w.addf(" ", "s=%s;", s.Selector)
	w.addf(" ", "a=%s;", s.Algorithm)

	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		w.addf(" ", "c=%s;", s.Canonicalization)
	}
	if s.Identity != "" {
		w.addf(" ", "i=%s;", s.Identity)
	}
	if len(s.QueryMethods) > 0 && !(len(s.QueryMethods) == 1 && strings.EqualFold(s.QueryMethods[0], "dns/txt")) {
		w.addf(" ", "q=%s;", strings.Join(s.QueryMethods, ":"))
	}
	if s.SignTime >= 0 {
		w.addf(" ", "t=%d;", s.SignTime)
	}
	if s.ExpireTime >= 0 {
		w.addf(" ", "x=%d;", s.ExpireTime)
	}
	if s.Length >= 0 {
		w.addf(" ", "l=%d;", s.Length)
	}

	w.addList("h", s.SignedHeaders, ":")

	if len(s.CopiedHeaders) > 0 {
		encoded := make([]string, len(s.CopiedHeaders))
		for i, h := range s.CopiedHeaders {
			if name, v, ok := strings.Cut(h, ":"); ok {
				encoded[i] = name + ":" + encodeCopiedHeader(v)
			} else {
				encoded[i] = encodeCopiedHeader(h)
			}
		}
		w.addList("z", encoded, "|")
	}

	w.addf(" ", "bh=%s;", base64.StdEncoding.EncodeToString(s.BodyHash))

	w.add(" ", "b=")
	if includeSignature && len(s.Signature) > 0 {
		w.addWrap(base64.StdEncoding.EncodeToString(s.Signature))
	}

	return w.b.String()
}

// encodeCopiedHeader encodes a header value for the z= tag using DKIM quoted-printable.
func encodeCopiedHeader(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for _, c := range []byte(s) {
		// DKIM-safe-char: printable ASCII except ; = | :
		if c > ' ' && c < 0x7f && c != ';' && c != '=' && c != '|' && c != ':' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// decodeCopiedHeader decodes a DKIM quoted-printable encoded value.
func decodeCopiedHeader(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi, lo := hexVal(s[i+1]), hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c - 'A' + 10)
	case c >= 'a' && c <= 'f':
		return int(c - 'a' + 10)
	}
	return -1
}
