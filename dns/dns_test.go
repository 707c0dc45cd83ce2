package dns

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		isNotFound    bool
		isTimeout     bool
		isServFail    bool
		isUnavailable bool
		isTemp        bool
	}{
		{
			name:       "not found error",
			err:        ErrDNSNotFound,
			isNotFound: true,
		},
		{
			name:      "timeout error",
			err:       ErrDNSTimeout,
			isTimeout: true,
			isTemp:    true,
		},
		{
			name:       "server failure",
			err:        ErrDNSServFail,
			isServFail: true,
			isTemp:     true,
		},
		{
			name:   "refused",
			err:    ErrDNSRefused,
			isTemp: true,
		},
		{
			name:          "unavailable",
			err:           fmt.Errorf("%w: 192.0.2.53:53: connection refused", ErrDNSUnavailable),
			isUnavailable: true,
			isTemp:        true,
		},
		{
			name:       "wrapped not found",
			err:        fmt.Errorf("looking up policy: %w", ErrDNSNotFound),
			isNotFound: true,
		},
		{
			name: "text-only wrap is not recognized",
			err:  errors.New("wrapper: " + ErrDNSNotFound.Error()),
		},
		{
			name: "nil error",
			err:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFound() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsTimeout(tt.err); got != tt.isTimeout {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.isTimeout)
			}
			if got := IsServFail(tt.err); got != tt.isServFail {
				t.Errorf("IsServFail() = %v, want %v", got, tt.isServFail)
			}
			if got := IsUnavailable(tt.err); got != tt.isUnavailable {
				t.Errorf("IsUnavailable() = %v, want %v", got, tt.isUnavailable)
			}
			if got := IsTemporary(tt.err); got != tt.isTemp {
				t.Errorf("IsTemporary() = %v, want %v", got, tt.isTemp)
			}
		})
	}
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Example.COM.", "example.com"},
		{"  mail.example.com ", "mail.example.com"},
		{"_dmarc.Example.com", "_dmarc.example.com"},
		{"bücher.example", "xn--bcher-kva.example"},
		{"", ""},
		{".", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFqdn(t *testing.T) {
	if got := Fqdn("example.com"); got != "example.com." {
		t.Errorf("Fqdn() = %q", got)
	}
	if got := Fqdn("example.com."); got != "example.com." {
		t.Errorf("Fqdn() = %q", got)
	}
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{})

	if r.config.Timeout == 0 {
		t.Error("expected default timeout to be set")
	}
	if r.config.Retries != 0 {
		t.Errorf("expected no retries by default, got %d", r.config.Retries)
	}
	if len(r.config.Nameservers) == 0 {
		t.Error("expected nameservers to be set")
	}
}

func TestNewStdResolver(t *testing.T) {
	r := NewStdResolver()
	if r == nil || r.resolver == nil {
		t.Fatal("expected non-nil resolver")
	}
}
