package dkim

import (
	"bytes"
	"crypto"
	_ "crypto/sha1" // rsa-sha1
	_ "crypto/sha256"
	"hash"
	"strings"
)

var crlf = []byte("\r\n")

// normalizeLineEndings turns bare LF line endings into CRLF. Messages
// handed over by tools and HTTP clients often lost their CRs.
func normalizeLineEndings(msg []byte) []byte {
	if !bytes.Contains(msg, []byte("\n")) {
		return msg
	}
	out := make([]byte, 0, len(msg)+bytes.Count(msg, []byte("\n")))
	for i, c := range msg {
		if c == '\n' && (i == 0 || msg[i-1] != '\r') {
			out = append(out, '\r')
		}
		out = append(out, c)
	}
	return out
}

// canonicalizeHeaderRelaxed returns the header in relaxed canonicalization.
// Relaxed canonicalization:
//   - Convert header name to lowercase
//   - Unfold header lines (remove CRLF before WSP)
//   - Compress WSP to single space
//   - Remove leading and trailing WSP from header value
func canonicalizeHeaderRelaxed(header string) (string, error) {
	idx := strings.Index(header, ":")
	if idx == -1 {
		return "", ErrHeaderMalformed
	}

	name := strings.ToLower(strings.TrimRight(header[:idx], " \t"))
	value := unfoldHeader(strings.TrimSuffix(header[idx+1:], "\r\n"))

	var result strings.Builder
	prevWS := false
	for _, c := range value {
		if c == ' ' || c == '\t' {
			if !prevWS {
				result.WriteByte(' ')
				prevWS = true
			}
		} else {
			result.WriteRune(c)
			prevWS = false
		}
	}

	return name + ":" + strings.TrimSpace(result.String()), nil
}

// canonicalBody returns the canonical form of body. A non-negative length
// truncates it as the l= tag requires.
func canonicalBody(canon Canonicalization, body []byte, length int64) ([]byte, error) {
	var c []byte
	if canon == CanonSimple {
		c = simpleBody(body)
	} else {
		c = relaxedBody(body)
	}
	if length >= 0 {
		if int64(len(c)) < length {
			return nil, ErrBodyTooShort
		}
		c = c[:length]
	}
	return c, nil
}

// computeBodyHash calculates the hash of the canonical message body.
func computeBodyHash(h hash.Hash, canon Canonicalization, body []byte, length int64) ([]byte, error) {
	c, err := canonicalBody(canon, body, length)
	if err != nil {
		return nil, err
	}
	h.Write(c)
	return h.Sum(nil), nil
}

// simpleBody applies simple body canonicalization: trailing empty lines are
// removed and a missing final CRLF is added, so an empty body becomes CRLF.
func simpleBody(body []byte) []byte {
	for bytes.HasSuffix(body, []byte("\r\n\r\n")) {
		body = body[:len(body)-2]
	}
	if len(body) == 0 || !bytes.HasSuffix(body, crlf) {
		return append(bytes.Clone(body), crlf...)
	}
	return body
}

// relaxedBody applies relaxed body canonicalization: whitespace runs become
// one space, trailing whitespace and trailing empty lines are dropped. An
// empty body stays empty.
func relaxedBody(body []byte) []byte {
	var out bytes.Buffer
	lines := bytes.Split(body, crlf)
	pending := 0
	for i, line := range lines {
		line = bytes.TrimRight(compressWSP(line), " ")
		if len(line) == 0 {
			if i < len(lines)-1 {
				pending++
			}
			continue
		}
		for ; pending > 0; pending-- {
			out.Write(crlf)
		}
		out.Write(line)
		out.Write(crlf)
	}
	return out.Bytes()
}

func compressWSP(line []byte) []byte {
	out := make([]byte, 0, len(line))
	prevWS := false
	for _, b := range line {
		if b == ' ' || b == '\t' {
			if !prevWS {
				out = append(out, ' ')
			}
			prevWS = true
			continue
		}
		out = append(out, b)
		prevWS = false
	}
	return out
}

// computeDataHash calculates the hash of the signed headers and signature header.
// Signed header names are matched bottom-up: each occurrence in h= consumes
// the next instance from the end of the header block, and names without a
// remaining instance contribute nothing (RFC 6376 section 5.4.2).
func computeDataHash(h hash.Hash, canon Canonicalization, headers []headerData, signedHeaders []string, sigHeader []byte) ([]byte, error) {
	headerMap := make(map[string][]headerData)
	for i := len(headers) - 1; i >= 0; i-- {
		headerMap[headers[i].lkey] = append(headerMap[headers[i].lkey], headers[i])
	}

	for _, key := range signedHeaders {
		lkey := strings.ToLower(key)
		hdrs := headerMap[lkey]
		if len(hdrs) == 0 {
			continue
		}
		hdr := hdrs[0]
		headerMap[lkey] = hdrs[1:]

		if canon == CanonSimple {
			h.Write(bytes.TrimSuffix(hdr.raw, crlf))
		} else {
			canonical, err := canonicalizeHeaderRelaxed(string(hdr.raw))
			if err != nil {
				return nil, err
			}
			h.Write([]byte(canonical))
		}
		h.Write(crlf)
	}

	// The DKIM-Signature header itself goes last, without trailing CRLF.
	if canon == CanonSimple {
		h.Write(sigHeader)
	} else {
		canonical, err := canonicalizeHeaderRelaxed(string(sigHeader))
		if err != nil {
			return nil, err
		}
		h.Write([]byte(canonical))
	}

	return h.Sum(nil), nil
}

// headerData represents a parsed header.
type headerData struct {
	key  string // Original case
	lkey string // Lowercase
	raw  []byte // Complete header including name, colon, value and CRLF
}

// value returns the unfolded header value without surrounding whitespace.
func (h headerData) value() string {
	v := string(h.raw[len(h.key):])
	v = strings.TrimLeft(v, " \t")
	v = strings.TrimPrefix(v, ":")
	return strings.TrimSpace(unfoldHeader(strings.TrimSuffix(v, "\r\n")))
}

// parseMessageHeaders splits the header block of a CRLF message. It
// returns the headers and the offset where the body starts; a message
// without an empty line is all header.
func parseMessageHeaders(data []byte) ([]headerData, int, error) {
	var headers []headerData
	offset := 0
	for offset < len(data) {
		line := data[offset:]
		if end := bytes.Index(line, crlf); end >= 0 {
			line = line[:end+2]
		}
		offset += len(line)

		if bytes.Equal(line, crlf) {
			return headers, offset, nil
		}

		// Continuation of a folded header.
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) == 0 {
				return nil, 0, ErrHeaderMalformed
			}
			last := &headers[len(headers)-1]
			last.raw = append(last.raw, line...)
			continue
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return nil, 0, ErrHeaderMalformed
		}
		key := strings.TrimRight(string(line[:colonIdx]), " \t")
		for _, c := range key {
			if c <= ' ' || c >= 0x7f {
				return nil, 0, ErrHeaderMalformed
			}
		}
		headers = append(headers, headerData{
			key:  key,
			lkey: strings.ToLower(key),
			raw:  bytes.Clone(line),
		})
	}
	return headers, len(data), nil
}

// getHash returns the crypto.Hash for the given algorithm name.
func getHash(algorithm string) (crypto.Hash, bool) {
	switch strings.ToLower(algorithm) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}
