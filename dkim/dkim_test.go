package dkim

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantErr   error
		checkFunc func(t *testing.T, sig *Signature)
	}{
		{
			name: "valid RSA signature",
			header: `DKIM-Signature: v=1; a=rsa-sha256; d=Example.com; s=selector1;
	c=relaxed/simple; q=dns/txt; t=1234567890; x=1234657890;
	h=from:to:subject:date; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=;
	b=c2lnbmF0dXJl`,
			checkFunc: func(t *testing.T, sig *Signature) {
				if sig.Version != 1 || sig.Algorithm != "rsa-sha256" {
					t.Errorf("v=%d a=%s, want 1 rsa-sha256", sig.Version, sig.Algorithm)
				}
				if sig.Domain != "example.com" || sig.Selector != "selector1" {
					t.Errorf("d=%s s=%s, want example.com selector1", sig.Domain, sig.Selector)
				}
				if sig.HeaderCanon() != CanonRelaxed || sig.BodyCanon() != CanonSimple {
					t.Errorf("c=%s/%s, want relaxed/simple", sig.HeaderCanon(), sig.BodyCanon())
				}
				if len(sig.SignedHeaders) != 4 {
					t.Errorf("len(signedHeaders) = %d, want 4", len(sig.SignedHeaders))
				}
				if sig.SignTime != 1234567890 || sig.ExpireTime != 1234657890 || sig.Length != -1 {
					t.Errorf("t=%d x=%d l=%d", sig.SignTime, sig.ExpireTime, sig.Length)
				}
			},
		},
		{
			name: "header canonicalization only",
			header: `DKIM-Signature: v=1; a=ed25519-sha256; c=relaxed; d=example.org; s=ed;
	h=from:to; l=42; bh=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=; b=dGVzdA==`,
			checkFunc: func(t *testing.T, sig *Signature) {
				if sig.HeaderCanon() != CanonRelaxed || sig.BodyCanon() != CanonSimple {
					t.Errorf("c=%s/%s, want relaxed/simple", sig.HeaderCanon(), sig.BodyCanon())
				}
				if sig.Length != 42 {
					t.Errorf("l = %d, want 42", sig.Length)
				}
			},
		},
		{
			name: "internationalized domain (A-label)",
			header: `DKIM-Signature: v=1; a=rsa-sha256; d=xn--h-bga.mox.example; s=xn--yr2021-pua;
	i=test@xn--h-bga.mox.example; t=1643719203; h=From:To:Subject:Date;
	bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			checkFunc: func(t *testing.T, sig *Signature) {
				if sig.Domain != "xn--h-bga.mox.example" || sig.Identity != "test@xn--h-bga.mox.example" {
					t.Errorf("d=%s i=%s", sig.Domain, sig.Identity)
				}
			},
		},
		{
			name:    "missing version",
			header:  `DKIM-Signature: a=rsa-sha256; d=example.com; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrMissingTag,
		},
		{
			name:    "invalid version",
			header:  `DKIM-Signature: v=2; a=rsa-sha256; d=example.com; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "missing domain",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrMissingTag,
		},
		{
			name:    "duplicate tag",
			header:  `DKIM-Signature: v=1; v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrDuplicateTag,
		},
		{
			name:    "from not signed",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; h=to:subject; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrFromRequired,
		},
		{
			name:    "identity outside domain",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; d=example.com; i=user@other.example; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrDomainIdentityMismatch,
		},
		{
			name:    "bad base64",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=!!!`,
			wantErr: ErrTagSyntax,
		},
		{
			name:    "body hash length",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; h=from; bh=dGVzdA==; b=dGVzdA==`,
			wantErr: ErrBodyHashLength,
		},
		{
			name:    "tag without value",
			header:  `DKIM-Signature: v=1; a=rsa-sha256; bogus; d=example.com; s=sel; h=from; bh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=; b=dGVzdA==`,
			wantErr: ErrTagSyntax,
		},
		{
			name:    "not a DKIM-Signature header",
			header:  `From: test@example.com`,
			wantErr: ErrHeaderMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, _, err := ParseSignature(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSignature() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSignature() error = %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, sig)
			}
		})
	}
}

func TestStripSignatureValue(t *testing.T) {
	header := "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; h=from;\r\n" +
		"\tbh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=;\r\n" +
		"\tb=c2lnbmF0\r\n\t dXJl\r\n"
	_, stripped, err := ParseSignature(header)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	want := "DKIM-Signature: v=1; a=rsa-sha256; d=example.com; s=sel; h=from;\r\n" +
		"\tbh=g3zLYH4xKxcPrHOD18z9YfpQcnk/GaJedfustWU5uGs=;\r\n" +
		"\tb="
	if string(stripped) != want {
		t.Errorf("stripped header = %q, want %q", stripped, want)
	}

	// b= in the middle keeps the separator and later tags.
	got := stripSignatureValue(" v=1; b=abc def; bh=xyz;")
	if got != " v=1; b=; bh=xyz;" {
		t.Errorf("stripSignatureValue() = %q", got)
	}
}

func TestSignatureHeader(t *testing.T) {
	bodyHash := make([]byte, 32)
	for i := range bodyHash {
		bodyHash[i] = byte(i)
	}

	sig := &Signature{
		Version:          1,
		Algorithm:        "rsa-sha256",
		Domain:           "example.com",
		Selector:         "selector1",
		Canonicalization: "relaxed/relaxed",
		SignedHeaders:    []string{"from", "to", "subject", "date", "message-id", "mime-version", "content-type"},
		BodyHash:         bodyHash,
		Signature:        make([]byte, 256),
		Length:           -1,
		SignTime:         1234567890,
		ExpireTime:       1534567890,
		CopiedHeaders:    []string{"From:a;b=c|d"},
	}

	header := sig.Header(true)
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) > maxLineLen {
			t.Errorf("line longer than %d: %q", maxLineLen, line)
		}
	}

	parsed, _, err := ParseSignature(header)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}
	if parsed.Domain != sig.Domain || parsed.Selector != sig.Selector || parsed.Algorithm != sig.Algorithm {
		t.Errorf("parsed d=%s s=%s a=%s", parsed.Domain, parsed.Selector, parsed.Algorithm)
	}
	if strings.Join(parsed.SignedHeaders, ":") != strings.Join(sig.SignedHeaders, ":") {
		t.Errorf("h= %v, want %v", parsed.SignedHeaders, sig.SignedHeaders)
	}
	if len(parsed.CopiedHeaders) != 1 || parsed.CopiedHeaders[0] != sig.CopiedHeaders[0] {
		t.Errorf("z= %q, want %q", parsed.CopiedHeaders, sig.CopiedHeaders)
	}
	if len(parsed.Signature) != 256 {
		t.Errorf("len(b) = %d, want 256", len(parsed.Signature))
	}
}

func TestParseRecord(t *testing.T) {
	const rsaPubKey = "MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA7/eFqG3MnlmOHvZBqPFZX/Nah8le7H92CVfzMoj2hgCQ8JaXbDxEG5XwP7t8LSqkcanRhAyX0YtlJX9b5YfSZuNU0OZEVW0345Xacy44sWq5n0lBG9KwYYWEhNHurL6fIyZHqZxkJx+ALeC4pAOYklAUe5EyQ6ONLlZsRtyO/OqOwocsbD5ndOjdmT+1lYoLOIFGSyloA84591QQvgX0+rL2wQv5ZUrFivG6wB7IZ9hc3/73reToRAo5XRD/Y6Zp9SW8oRQXGxl07Ia+jl6ZGyMvjBx1WVznyU1L5gBCYjInvwi3K1PxMhuMi/QmvYgk7P33l6rKYY4c2bzPH7JGcQIDAQAB"

	tests := []struct {
		name      string
		txt       string
		wantErr   bool
		isDKIM    bool
		checkFunc func(t *testing.T, record *Record)
	}{
		{
			name:   "valid RSA record",
			txt:    "v=DKIM1; k=rsa; p=" + rsaPubKey,
			isDKIM: true,
			checkFunc: func(t *testing.T, record *Record) {
				if record.Key != "rsa" || record.PublicKey == nil {
					t.Errorf("key=%s publicKey=%v", record.Key, record.PublicKey)
				}
			},
		},
		{
			name:   "without version",
			txt:    "k=ed25519; p=11qYAYKxCrfVS/7TyWQHOg7hcvPapiMlrwIaaPcHURo=",
			isDKIM: true,
			checkFunc: func(t *testing.T, record *Record) {
				if _, ok := record.PublicKey.(ed25519.PublicKey); !ok {
					t.Errorf("publicKey = %T, want ed25519.PublicKey", record.PublicKey)
				}
			},
		},
		{
			name:   "revoked key",
			txt:    "v=DKIM1; k=rsa; p=",
			isDKIM: true,
			checkFunc: func(t *testing.T, record *Record) {
				if record.PublicKey != nil {
					t.Error("publicKey should be nil for revoked key")
				}
			},
		},
		{
			name:   "flags, hashes and services",
			txt:    "v=DKIM1; h=sha256; s=email; t=y:s; p=" + rsaPubKey,
			isDKIM: true,
			checkFunc: func(t *testing.T, record *Record) {
				if !record.IsTesting() || !record.RequireStrictAlignment() {
					t.Error("flags y and s not recognized")
				}
				if !record.HashAllowed("sha256") || record.HashAllowed("sha1") {
					t.Error("h=sha256 not honored")
				}
				if !record.ServiceAllowed("email") || record.ServiceAllowed("other") {
					t.Error("s=email not honored")
				}
			},
		},
		{name: "not a DKIM record", txt: "some random text record", wantErr: true},
		{name: "spf record", txt: "v=spf1 -all", wantErr: true},
		{name: "version not first", txt: "k=rsa; v=DKIM1; p=" + rsaPubKey, wantErr: true},
		{name: "missing public key", txt: "v=DKIM1; k=rsa", wantErr: true, isDKIM: true},
		{name: "broken tag list", txt: "v=DKIM1; bogus", wantErr: true, isDKIM: true},
		{name: "bad ed25519 key size", txt: "v=DKIM1; k=ed25519; p=dGVzdA==", wantErr: true, isDKIM: true},
		{name: "unknown key type", txt: "v=DKIM1; k=dsa; p=dGVzdA==", wantErr: true, isDKIM: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record, isDKIM, err := ParseRecord(tt.txt)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRecord() error = %v, wantErr %v", err, tt.wantErr)
			}
			if isDKIM != tt.isDKIM {
				t.Errorf("isDKIM = %v, want %v", isDKIM, tt.isDKIM)
			}
			if !tt.wantErr && tt.checkFunc != nil {
				tt.checkFunc(t, record)
			}
		})
	}
}

func TestRecordToTXT(t *testing.T) {
	key := getRSAKey(t)
	record := &Record{
		Version:   "DKIM1",
		Key:       "rsa",
		Hashes:    []string{"sha256"},
		Services:  []string{"email"},
		Flags:     []string{"y"},
		Notes:     "test key=1",
		PublicKey: &key.PublicKey,
	}

	txt, err := record.ToTXT()
	if err != nil {
		t.Fatalf("ToTXT() error = %v", err)
	}
	parsed, isDKIM, err := ParseRecord(txt)
	if err != nil || !isDKIM {
		t.Fatalf("ParseRecord(%q) = %v, %v", txt, isDKIM, err)
	}
	if parsed.Notes != record.Notes || !parsed.IsTesting() || parsed.ServiceAllowed("other") {
		t.Errorf("round trip lost tags: %+v", parsed)
	}
	if !key.PublicKey.Equal(parsed.PublicKey) {
		t.Error("public key differs after round trip")
	}
}

func TestCanonicalizeHeaderRelaxed(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"SUBJECT: Test", "subject:Test"},
		{"Subject:  Test   Value  ", "subject:Test Value"},
		{"Subject: Test\r\n\t continuation", "subject:Test continuation"},
		{"Subject : Test\r\n", "subject:Test"},
	}
	for _, tt := range tests {
		got, err := canonicalizeHeaderRelaxed(tt.header)
		if err != nil {
			t.Fatalf("canonicalizeHeaderRelaxed(%q) error = %v", tt.header, err)
		}
		if got != tt.want {
			t.Errorf("canonicalizeHeaderRelaxed(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestCanonicalBody(t *testing.T) {
	tests := []struct {
		name    string
		canon   Canonicalization
		body    string
		length  int64
		want    string
		wantErr bool
	}{
		{"simple empty", CanonSimple, "", -1, "\r\n", false},
		{"simple trailing lines", CanonSimple, "Body\r\n\r\n\r\n", -1, "Body\r\n", false},
		{"simple missing CRLF", CanonSimple, "Body", -1, "Body\r\n", false},
		{"simple keeps whitespace", CanonSimple, "a  b \r\n", -1, "a  b \r\n", false},
		{"relaxed empty", CanonRelaxed, "", -1, "", false},
		{"relaxed only empty lines", CanonRelaxed, "\r\n\r\n", -1, "", false},
		{"relaxed whitespace", CanonRelaxed, "Hello \t World  \r\n", -1, "Hello World\r\n", false},
		{"relaxed inner empty line", CanonRelaxed, "a\r\n \r\nb\r\n\r\n", -1, "a\r\n\r\nb\r\n", false},
		{"relaxed missing CRLF", CanonRelaxed, "a", -1, "a\r\n", false},
		{"length truncates", CanonSimple, "Hello\r\nWorld\r\n", 7, "Hello\r\n", false},
		{"length zero", CanonRelaxed, "Hello\r\n", 0, "", false},
		{"body shorter than length", CanonSimple, "Hi\r\n", 10, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := canonicalBody(tt.canon, []byte(tt.body), tt.length)
			if tt.wantErr {
				if !errors.Is(err, ErrBodyTooShort) {
					t.Fatalf("canonicalBody() error = %v, want ErrBodyTooShort", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("canonicalBody() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("canonicalBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEmptyBodyHashes(t *testing.T) {
	// RFC 6376 section 3.4.3 and 3.4.4 examples.
	simple, _ := computeBodyHash(sha256.New(), CanonSimple, nil, -1)
	if got := base64.StdEncoding.EncodeToString(simple); got != "frcCV1k9oG9oKj3dpUqdJg1PxRT2RSN/XKdLCPjaYaY=" {
		t.Errorf("simple empty body hash = %s", got)
	}
	relaxed, _ := computeBodyHash(sha256.New(), CanonRelaxed, nil, -1)
	if got := base64.StdEncoding.EncodeToString(relaxed); got != "47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU=" {
		t.Errorf("relaxed empty body hash = %s", got)
	}
}

func TestNormalizeLineEndings(t *testing.T) {
	tests := []struct{ in, want string }{
		{"a\nb\n", "a\r\nb\r\n"},
		{"a\r\nb\n", "a\r\nb\r\n"},
		{"\n", "\r\n"},
		{"no newline", "no newline"},
		{"mixed\r\n\n", "mixed\r\n\r\n"},
	}
	for _, tt := range tests {
		if got := string(normalizeLineEndings([]byte(tt.in))); got != tt.want {
			t.Errorf("normalizeLineEndings(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseMessageHeaders(t *testing.T) {
	msg := "From: a@example.com\r\nSubject: one\r\n two\r\nTo : b@example.com\r\n\r\nbody\r\n"
	headers, offset, err := parseMessageHeaders([]byte(msg))
	if err != nil {
		t.Fatalf("parseMessageHeaders() error = %v", err)
	}
	if len(headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(headers))
	}
	if headers[1].value() != "one two" || headers[2].lkey != "to" || headers[2].value() != "b@example.com" {
		t.Errorf("headers = %q %q %q", headers[1].value(), headers[2].lkey, headers[2].value())
	}
	if msg[offset:] != "body\r\n" {
		t.Errorf("body = %q", msg[offset:])
	}

	if _, off, err := parseMessageHeaders([]byte("From: a@example.com\r\n")); err != nil || off != 21 {
		t.Errorf("headers without body: offset %d, err %v", off, err)
	}
	for _, bad := range []string{" folded first\r\n\r\n", "no colon\r\n\r\n", "Bad Name: x\r\n\r\n"} {
		if _, _, err := parseMessageHeaders([]byte(bad)); !errors.Is(err, ErrHeaderMalformed) {
			t.Errorf("parseMessageHeaders(%q) error = %v, want ErrHeaderMalformed", bad, err)
		}
	}
}

func TestSignerHeaders(t *testing.T) {
	const message = "From: <mjl@mox.example>\r\nTo: <a@mox.example>\r\nSubject: x\r\nSubject: y\r\n\r\nbody\r\n"
	key := ed25519.NewKeyFromSeed(make([]byte, 32))

	signer := &Signer{
		Domain:          "mox.example",
		Selector:        "test",
		PrivateKey:      key,
		Headers:         []string{"To", "Subject", "Cc"},
		OversignHeaders: true,
		Identity:        "@mox.example",
		Expiration:      time.Hour,
		Now:             func() time.Time { return time.Unix(1700000000, 0) },
	}
	header, err := signer.Sign([]byte(message))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	sig, _, err := ParseSignature(header)
	if err != nil {
		t.Fatalf("ParseSignature() error = %v", err)
	}

	// From is added, Cc is absent; every present header is oversigned.
	want := "From:To:Subject:From:To:Subject:Subject"
	if got := strings.Join(sig.SignedHeaders, ":"); got != want {
		t.Errorf("h= %s, want %s", got, want)
	}
	if sig.SignTime != 1700000000 || sig.ExpireTime != 1700003600 {
		t.Errorf("t=%d x=%d", sig.SignTime, sig.ExpireTime)
	}
	if sig.Algorithm != string(AlgEd25519SHA256) || sig.Canonicalization != "relaxed/relaxed" || sig.Identity != "@mox.example" {
		t.Errorf("a=%s c=%s i=%s", sig.Algorithm, sig.Canonicalization, sig.Identity)
	}
}

func TestSignErrors(t *testing.T) {
	key := ed25519.NewKeyFromSeed(make([]byte, 32))
	signer := &Signer{Domain: "mox.example", Selector: "test", PrivateKey: key}

	if _, err := signer.Sign([]byte("To: a@mox.example\r\n\r\nbody\r\n")); !errors.Is(err, ErrFromRequired) {
		t.Errorf("no From: error = %v, want ErrFromRequired", err)
	}
	if _, err := signer.Sign([]byte("From: a@mox.example\r\nFrom: b@mox.example\r\n\r\nbody\r\n")); !errors.Is(err, ErrFromRequired) {
		t.Errorf("two From: error = %v, want ErrFromRequired", err)
	}

	rsaSigner := &Signer{Domain: "mox.example", Selector: "test", PrivateKey: getRSAKey(t), Hash: "md5"}
	if _, err := rsaSigner.Sign([]byte("From: a@mox.example\r\n\r\nbody\r\n")); !errors.Is(err, ErrHashAlgorithmUnknown) {
		t.Errorf("md5: error = %v, want ErrHashAlgorithmUnknown", err)
	}

	if out, err := SignMultiple([]byte("From: a@mox.example\r\n\r\n"), nil); out != "" || err != nil {
		t.Errorf("SignMultiple(nil) = %q, %v", out, err)
	}
}
