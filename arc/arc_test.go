package arc

import (
	"errors"
	"testing"

	"github.com/emersion/go-msgauth/authres"
)

func TestParseSeal(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    Seal
		wantErr error
	}{
		{
			name:  "valid",
			value: "i=1; a=rsa-sha256; t=1700000000; cv=none; d=Lists.Example.org; s=arc; b=AAAA",
			want: Seal{Instance: 1, Algorithm: "rsa-sha256", Domain: "lists.example.org",
				Selector: "arc", ChainValidation: ChainValidationNone, Timestamp: 1700000000},
		},
		{
			name:  "folded without timestamp",
			value: "i=2; a=rsa-sha256; cv=pass;\r\n\td=relay.example; s=s1;\r\n\tb=AA AA",
			want: Seal{Instance: 2, Algorithm: "rsa-sha256", Domain: "relay.example",
				Selector: "s1", ChainValidation: ChainValidationPass, Timestamp: -1},
		},
		{name: "missing cv", value: "i=1; a=rsa-sha256; d=x.example; s=s; b=AA", wantErr: ErrMissingTag},
		{name: "bad cv", value: "i=1; a=rsa-sha256; cv=maybe; d=x.example; s=s; b=AA", wantErr: ErrSyntax},
		{name: "instance zero", value: "i=0; a=rsa-sha256; cv=none; d=x.example; s=s; b=AA", wantErr: ErrInvalidInstance},
		{name: "instance too large", value: "i=51; a=rsa-sha256; cv=none; d=x.example; s=s; b=AA", wantErr: ErrInvalidInstance},
		{name: "duplicate tag", value: "i=1; i=2; a=rsa-sha256; cv=none; d=x.example; s=s; b=AA", wantErr: ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSeal(tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseSeal() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSeal() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("ParseSeal() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestParseAuthenticationResults(t *testing.T) {
	aar, err := ParseAuthenticationResults("i=1; mx.example.org; spf=pass smtp.mailfrom=example.com; dkim=pass header.d=example.com")
	if err != nil {
		t.Fatalf("ParseAuthenticationResults() error = %v", err)
	}
	if aar.Instance != 1 || aar.AuthServID != "mx.example.org" {
		t.Errorf("got instance %d authserv-id %q", aar.Instance, aar.AuthServID)
	}
	if len(aar.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(aar.Results))
	}
	spf, ok := aar.Results[0].(*authres.SPFResult)
	if !ok || spf.Value != authres.ResultPass || spf.From != "example.com" {
		t.Errorf("first result = %#v, want spf=pass for example.com", aar.Results[0])
	}
	dkim, ok := aar.Results[1].(*authres.DKIMResult)
	if !ok || dkim.Domain != "example.com" {
		t.Errorf("second result = %#v, want dkim for example.com", aar.Results[1])
	}

	for _, bad := range []string{"mx.example.org; spf=pass", "i=1 mx.example.org", "i=x; mx.example.org"} {
		if _, err := ParseAuthenticationResults(bad); err == nil {
			t.Errorf("ParseAuthenticationResults(%q) succeeded, want error", bad)
		}
	}
}

func TestInspect(t *testing.T) {
	seals := []string{
		"i=1; a=rsa-sha256; cv=none; d=first.example; s=arc; b=AA",
		"i=2; a=rsa-sha256; cv=pass; d=lists.example.org; s=arc; b=AA",
	}
	results := []string{
		"i=1; first.example; spf=pass smtp.mailfrom=example.com",
		"i=2; lists.example.org; dkim=pass header.d=example.com",
	}

	info := Inspect(seals, results)
	if !info.Present || info.Instances != 2 {
		t.Fatalf("Inspect() present=%v instances=%d, want true 2", info.Present, info.Instances)
	}
	if info.Signer != "lists.example.org" || info.ChainValidation != ChainValidationPass {
		t.Errorf("newest seal = %s cv=%s, want lists.example.org cv=pass", info.Signer, info.ChainValidation)
	}
	if info.AuthServID != "lists.example.org" || len(info.Results) != 1 {
		t.Errorf("results from %q (%d), want lists.example.org (1)", info.AuthServID, len(info.Results))
	}
	if info.AuthenticationResults != "lists.example.org; dkim=pass header.d=example.com" {
		t.Errorf("AuthenticationResults = %q", info.AuthenticationResults)
	}
}

func TestInspectEdgeCases(t *testing.T) {
	if info := Inspect(nil, []string{"i=1; x.example; spf=pass"}); info.Present {
		t.Errorf("no seals: Present = true")
	}

	info := Inspect([]string{"garbage"}, nil)
	if !info.Present || info.Instances != 0 || info.Signer != "" {
		t.Errorf("unparsable seal: %+v, want present without details", info)
	}

	info = Inspect([]string{"i=1; a=rsa-sha256; cv=none; d=x.example; s=s; b=AA"}, []string{"i=1; x.example; %%%"})
	if info.AuthServID != "x.example" || info.Results != nil {
		t.Errorf("unparsable results: authserv-id %q results %v", info.AuthServID, info.Results)
	}
}
