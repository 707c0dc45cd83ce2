// Package dkim verifies DKIM-Signature headers (RFC 6376) and reports one
// verdict per signature, plus which signing domain DMARC should consider.
//
// Verification never stops at the first bad signature: every header is
// checked, in message order, and a failing one carries a FailureReason.
// Key records come through a dns.Resolver, so a Gateway or Cache can sit in
// front of the network.
//
// Accepted algorithms are rsa-sha256, rsa-sha1 (RFC 8301 deprecates it, it
// is still seen in the wild) and ed25519-sha256 (RFC 8463).
//
//	v := &dkim.Verifier{MinRSAKeyBits: 1024}
//	out, err := v.Verify(ctx, resolver, message, "example.com")
//	if err != nil {
//	    // no verdict: ctx done or resolver unavailable
//	}
//	for _, sig := range out.Signatures {
//	    fmt.Println(sig.Domain, sig.Valid, sig.FailureReason)
//	}
//
// Signer exists for tests and tooling that need signed fixtures.
package dkim

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"

	"github.com/synqronlabs/mailauth/arc"
)

// Status is a verdict in RFC 8601 vocabulary.
type Status string

const (
	StatusNone      Status = "none" // unsigned, or no message
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror"
	StatusPermerror Status = "permerror"
)

// Algorithm is the a= tag of a signature.
type Algorithm string

const (
	AlgRSASHA256     Algorithm = "rsa-sha256"
	AlgRSASHA1       Algorithm = "rsa-sha1"
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"
)

func supportedAlgorithm(a string) bool {
	switch Algorithm(strings.ToLower(a)) {
	case AlgRSASHA256, AlgRSASHA1, AlgEd25519SHA256:
		return true
	}
	return false
}

// Canonicalization is one half of the c= tag.
type Canonicalization string

const (
	CanonSimple  Canonicalization = "simple"
	CanonRelaxed Canonicalization = "relaxed"
)

// FailureReason tells why a signature did not verify.
type FailureReason string

const (
	ReasonKeyUnresolvable    FailureReason = "key-unresolvable"
	ReasonBodyHashMismatch   FailureReason = "body-hash-mismatch"
	ReasonSignatureInvalid   FailureReason = "signature-invalid"
	ReasonSignatureMalformed FailureReason = "signature-malformed"
	ReasonSignatureExpired   FailureReason = "signature-expired"
)

// Common errors.
var (
	// DNS lookup errors.
	ErrNoRecord        = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS             = errors.New("dkim: DNS lookup failed")
	ErrSyntax          = errors.New("dkim: syntax error in DKIM record")

	// Signature verification errors.
	ErrSigAlgMismatch          = errors.New("dkim: signature algorithm mismatch with DNS record")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by DNS record")
	ErrKeyNotForEmail          = errors.New("dkim: DNS record not allowed for email")
	ErrDomainIdentityMismatch  = errors.New("dkim: domain and identity mismatch")
	ErrSigExpired              = errors.New("dkim: signature has expired")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrBodyTooShort            = errors.New("dkim: body shorter than l= length")
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")
	ErrHeaderMalformed         = errors.New("dkim: mail header is malformed")
	ErrFromRequired            = errors.New("dkim: From header is required")
	ErrQueryMethod             = errors.New("dkim: no recognized query method")
	ErrKeyRevoked              = errors.New("dkim: key has been revoked")
	ErrWeakKey                 = errors.New("dkim: key is too weak")
	ErrMissingTag              = errors.New("dkim: missing required tag")
	ErrDuplicateTag            = errors.New("dkim: duplicate tag")
	ErrInvalidVersion          = errors.New("dkim: invalid version")
	ErrTLD                     = errors.New("dkim: signed domain is top-level domain")
	ErrBodyHashLength          = errors.New("dkim: body hash length mismatch")
)

// SignatureResult is the verdict for one DKIM-Signature header.
type SignatureResult struct {
	Domain      string
	Selector    string
	Algorithm   string
	HeaderCanon Canonicalization
	BodyCanon   Canonicalization

	// Valid is true only when key, body hash and signature all check out.
	Valid         bool
	FailureReason FailureReason

	// Status is the RFC 8601 result for this signature.
	Status Status

	// Detail is a human readable description of the failure.
	Detail string

	// RecordAuthentic indicates if the key record was DNSSEC-validated.
	RecordAuthentic bool

	// Signature is the parsed header, nil when it could not be parsed.
	Signature *Signature

	// Err is the error behind FailureReason.
	Err error
}

// Canonicalization renders the header/body pair as in the c= tag.
func (r SignatureResult) Canonicalization() string {
	h, b := r.HeaderCanon, r.BodyCanon
	if h == "" {
		h = CanonSimple
	}
	if b == "" {
		b = CanonSimple
	}
	return string(h) + "/" + string(b)
}

// Outcome is the result of verifying all signatures of one message.
type Outcome struct {
	// Performed is false when no message was supplied.
	Performed bool

	// Result is StatusNone without signatures, StatusPass when at least
	// one signature is valid and StatusFail otherwise.
	Result Status

	// Domain is the d= of the signature selected for DMARC, or empty.
	Domain           string
	HeaderFromDomain string

	// Aligned reports whether a valid signature's domain equals the
	// header From domain or is one of its parents.
	Aligned bool

	// Signatures holds one result per DKIM-Signature header, in message order.
	Signatures []SignatureResult

	Tree []string

	// ARC is informational and never changes Result.
	ARC arc.Info
}

// DefaultSignedHeaders is what Signer covers when Headers is empty.
var DefaultSignedHeaders = []string{
	"From",
	"To",
	"Cc",
	"Subject",
	"Date",
	"Message-ID",
	"In-Reply-To",
	"References",
	"MIME-Version",
	"Content-Type",
	"Content-Transfer-Encoding",
	"Reply-To",
}

var cryptoRand = rand.Reader

func signWithKey(key crypto.Signer, hash crypto.Hash, data []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, data, hash)
	case ed25519.PrivateKey:
		// PureEdDSA over the hash, RFC 8463 section 3
		return k.Sign(cryptoRand, data, crypto.Hash(0))
	default:
		return nil, ErrSigAlgorithmUnknown
	}
}

// verifyWithKey checks sig over the already hashed data. For ed25519 the
// hash is signed as the message.
func verifyWithKey(key any, hash crypto.Hash, data, sig []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, hash, data, sig)
	case ed25519.PublicKey:
		if !ed25519.Verify(k, data, sig) {
			return ErrSigVerify
		}
		return nil
	default:
		return ErrSigAlgorithmUnknown
	}
}
