package dkim

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
)

// Record is a key record from <selector>._domainkey.<domain>, RFC 6376
// section 3.6.1.
type Record struct {
	Version string // always "DKIM1"

	// Hashes (h=) restricts the hash algorithms, empty allows any.
	Hashes []string

	// Key (k=) is "rsa" unless the record says otherwise.
	Key string

	Notes string

	// Pubkey is p= decoded. A record with an empty p= is revoked.
	Pubkey []byte

	// Services (s=), "*" matches every service.
	Services []string

	// Flags (t=): "y" for testing, "s" when i= must use exactly d=.
	Flags []string

	// PublicKey is the parsed Pubkey: *rsa.PublicKey or ed25519.PublicKey.
	PublicKey any
}

// ServiceAllowed reports whether the key may be used for service, normally "email".
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Services, func(s string) bool {
		return s == "*" || strings.EqualFold(s, service)
	})
}

// IsTesting reports t=y.
func (r *Record) IsTesting() bool {
	return r.hasFlag("y")
}

// RequireStrictAlignment reports t=s.
func (r *Record) RequireStrictAlignment() bool {
	return r.hasFlag("s")
}

func (r *Record) hasFlag(flag string) bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, flag) })
}

// HashAllowed reports whether h= permits hash, "sha256" or "sha1".
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Hashes, func(h string) bool { return strings.EqualFold(h, hash) })
}

// ToTXT renders the record as TXT data, deriving p= from PublicKey when
// Pubkey is empty.
func (r *Record) ToTXT() (string, error) {
	if r.Version != "DKIM1" {
		return "", fmt.Errorf("invalid version: %s", r.Version)
	}
	parts := []string{"v=DKIM1"}

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}
	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}
	if len(r.Services) > 0 && !(len(r.Services) == 1 && r.Services[0] == "*") {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		if pk, err = marshalPublicKey(r.PublicKey); err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

func marshalPublicKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", key)
	}
}

func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i, c := range []byte(s) {
		if (i == 0 && (c == ' ' || c == '\t')) || c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
		} else {
			b.WriteByte('=')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}

// ParseRecord parses a DKIM key record. The boolean reports whether txt
// looks like a DKIM record at all, so callers can skip unrelated TXT data
// published at the same name.
func ParseRecord(txt string) (*Record, bool, error) {
	record := &Record{
		Version:  "DKIM1",
		Key:      "rsa",
		Services: []string{"*"},
	}

	tags, err := parseTagList(txt)
	if err != nil {
		looksDKIM := strings.HasPrefix(strings.TrimSpace(txt), "v=DKIM1")
		return nil, looksDKIM, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	isDKIM := false
	hasKey := false
	for i, t := range tags {
		switch t.name {
		case "v":
			// v= is optional, but must come first and be DKIM1 when present.
			if i != 0 || t.value != "DKIM1" {
				return nil, false, fmt.Errorf("not a DKIM1 record")
			}
		case "h":
			record.Hashes = splitList(t.value, ":")
		case "k":
			record.Key = strings.ToLower(t.value)
		case "n":
			record.Notes = decodeCopiedHeader(t.value)
		case "p":
			hasKey = true
			if cleaned := stripFWS(t.value); cleaned != "" {
				decoded, err := base64.StdEncoding.DecodeString(cleaned)
				if err != nil {
					return nil, true, fmt.Errorf("%w: invalid public key encoding: %v", ErrSyntax, err)
				}
				record.Pubkey = decoded
			}
		case "s":
			record.Services = splitList(t.value, ":")
		case "t":
			record.Flags = splitList(t.value, ":")
		default:
			continue
		}
		isDKIM = true
	}

	if !isDKIM {
		return nil, false, fmt.Errorf("not a DKIM record")
	}
	if !hasKey {
		return nil, true, fmt.Errorf("%w: missing public key (p=)", ErrSyntax)
	}

	if len(record.Pubkey) > 0 {
		pk, err := parsePublicKey(record.Key, record.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		record.PublicKey = pk
	}

	return record, true, nil
}

func parsePublicKey(keyType string, data []byte) (any, error) {
	switch strings.ToLower(keyType) {
	case "", "rsa":
		// PKIX, or bare PKCS#1 as some signers still publish.
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			if k, err1 := x509.ParsePKCS1PublicKey(data); err1 == nil {
				return k, nil
			}
			return nil, fmt.Errorf("invalid RSA public key: %w", err)
		}
		rsaPK, ok := pk.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("expected RSA public key, got %T", pk)
		}
		return rsaPK, nil

	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid Ed25519 public key size: %d", len(data))
		}
		return ed25519.PublicKey(data), nil

	default:
		return nil, fmt.Errorf("unsupported key type: %s", keyType)
	}
}
