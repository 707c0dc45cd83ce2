package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"
)

// Signer produces DKIM-Signature headers for fixtures, as written by
// "mailauth dkim sign".
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is *rsa.PrivateKey or ed25519.PrivateKey.
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign. If empty,
	// DefaultSignedHeaders is used. From is always added.
	Headers []string

	// HeaderCanonicalization and BodyCanonicalization default to relaxed.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// Hash is "sha256" (default) or "sha1". Ed25519 always uses sha256.
	Hash string

	// Identity is the signing identity (i= tag), omitted when empty.
	Identity string

	// Expiration sets x= relative to the signing time when non-zero.
	Expiration time.Duration

	// OversignHeaders signs every header once more than it occurs, so
	// instances added later break the signature.
	OversignHeaders bool

	// BodyLength adds an l= tag covering the whole canonical body, so
	// text appended later leaves the signature valid.
	BodyLength bool

	// Now overrides the signing time.
	Now func() time.Time
}

// Sign signs message and returns the DKIM-Signature header, including the
// trailing CRLF, ready to be prepended to the message.
func (s *Signer) Sign(message []byte) (string, error) {
	return SignMultiple(message, []Signer{*s})
}

// SignMultiple signs message once per signer and returns the concatenated
// headers. Body hashes are shared between signers using the same
// canonicalization and hash.
func SignMultiple(message []byte, signers []Signer) (string, error) {
	if len(signers) == 0 {
		return "", nil
	}

	message = normalizeLineEndings(message)
	headers, bodyOffset, err := parseMessageHeaders(message)
	if err != nil {
		return "", fmt.Errorf("parsing message headers: %w", err)
	}

	fromCount := 0
	for _, h := range headers {
		if h.lkey == "from" {
			fromCount++
		}
	}
	if fromCount != 1 {
		return "", fmt.Errorf("%w: message has %d From headers, need exactly 1", ErrFromRequired, fromCount)
	}

	body := message[bodyOffset:]
	bodyHashes := make(map[string][]byte)

	var result strings.Builder
	for i := range signers {
		sig, err := signers[i].sign(headers, body, bodyHashes)
		if err != nil {
			return "", fmt.Errorf("signer %d (%s): %w", i, signers[i].Selector, err)
		}
		result.WriteString(sig)
	}
	return result.String(), nil
}

func (s *Signer) sign(headers []headerData, body []byte, bodyHashes map[string][]byte) (string, error) {
	alg, hashAlg, err := s.algorithm()
	if err != nil {
		return "", err
	}
	h, _ := getHash(hashAlg)

	headerCanon := s.HeaderCanonicalization
	if headerCanon == "" {
		headerCanon = CanonRelaxed
	}
	bodyCanon := s.BodyCanonicalization
	if bodyCanon == "" {
		bodyCanon = CanonRelaxed
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	sig := NewSignature()
	sig.Domain = strings.ToLower(s.Domain)
	sig.Selector = strings.ToLower(s.Selector)
	sig.Algorithm = string(alg)
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)
	sig.Identity = s.Identity
	sig.SignedHeaders = s.signedHeaders(headers)
	sig.SignTime = now().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64(s.Expiration.Seconds())
	}

	key := string(bodyCanon) + "/" + hashAlg
	bodyHash, ok := bodyHashes[key]
	if !ok {
		if bodyHash, err = computeBodyHash(h.New(), bodyCanon, body, -1); err != nil {
			return "", fmt.Errorf("computing body hash: %w", err)
		}
		bodyHashes[key] = bodyHash
	}
	sig.BodyHash = bodyHash
	if s.BodyLength {
		c, _ := canonicalBody(bodyCanon, body, -1)
		sig.Length = int64(len(c))
	}

	dataHash, err := computeDataHash(h.New(), headerCanon, headers, sig.SignedHeaders, []byte(sig.Header(false)))
	if err != nil {
		return "", fmt.Errorf("computing data hash: %w", err)
	}
	if sig.Signature, err = signWithKey(s.PrivateKey, h, dataHash); err != nil {
		return "", fmt.Errorf("signing: %w", err)
	}

	return sig.Header(true) + "\r\n", nil
}

// signedHeaders returns the h= list: the configured names present in the
// message, From first if it was not configured, plus the oversigned copies.
func (s *Signer) signedHeaders(headers []headerData) []string {
	names := s.Headers
	if len(names) == 0 {
		names = DefaultSignedHeaders
	}
	if !containsFold(names, "from") {
		names = append([]string{"From"}, names...)
	}

	present := make(map[string]int)
	for _, h := range headers {
		present[h.lkey]++
	}

	var signed []string
	for _, n := range names {
		if present[strings.ToLower(n)] > 0 {
			signed = append(signed, n)
		}
	}
	if !s.OversignHeaders {
		return signed
	}

	counts := make(map[string]int)
	for _, n := range signed {
		counts[strings.ToLower(n)]++
	}
	for _, n := range signed {
		ln := strings.ToLower(n)
		for counts[ln] < present[ln]+1 {
			signed = append(signed, n)
			counts[ln]++
		}
	}
	return signed
}

// algorithm determines the signing algorithm from the private key type.
func (s *Signer) algorithm() (Algorithm, string, error) {
	hashAlg := strings.ToLower(s.Hash)
	if hashAlg == "" {
		hashAlg = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch hashAlg {
		case "sha256":
			return AlgRSASHA256, hashAlg, nil
		case "sha1":
			return AlgRSASHA1, hashAlg, nil
		}
		return "", "", fmt.Errorf("%w: %s", ErrHashAlgorithmUnknown, s.Hash)
	case ed25519.PrivateKey:
		return AlgEd25519SHA256, "sha256", nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
}
