package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/foxcpp/go-mockdns"
)

func newMockServer(t *testing.T) *DNSResolver {
	t.Helper()

	srv, err := mockdns.NewServer(map[string]mockdns.Zone{
		"example.org.": {
			A:    []string{"192.0.2.10"},
			AAAA: []string{"2001:db8::10"},
			TXT:  []string{"v=spf1 ip4:192.0.2.0/24 -all"},
			MX:   []net.MX{{Host: "mx.example.org.", Pref: 10}},
		},
		"mx.example.org.": {
			A: []string{"192.0.2.25"},
		},
		"10.2.0.192.in-addr.arpa.": {
			PTR: []string{"mail.example.org."},
		},
		"broken.example.org.": {
			Err: errors.New("boom"),
		},
	}, false)
	if err != nil {
		t.Fatalf("starting mock dns server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })

	return NewResolver(ResolverConfig{
		Nameservers: []string{srv.LocalAddr().String()},
		Timeout:     2 * time.Second,
	})
}

func TestDNSResolverLookups(t *testing.T) {
	r := newMockServer(t)
	ctx := context.Background()

	txt, err := r.LookupTXT(ctx, "example.org")
	if err != nil {
		t.Fatalf("LookupTXT: %v", err)
	}
	if len(txt.Records) != 1 || txt.Records[0] != "v=spf1 ip4:192.0.2.0/24 -all" {
		t.Errorf("LookupTXT records = %v", txt.Records)
	}
	if txt.TTL <= 0 {
		t.Errorf("LookupTXT TTL = %v, want > 0", txt.TTL)
	}

	v4, err := r.LookupIP(ctx, "ip4", "example.org.")
	if err != nil {
		t.Fatalf("LookupIP ip4: %v", err)
	}
	if len(v4.Records) != 1 || !v4.Records[0].Equal(net.ParseIP("192.0.2.10")) {
		t.Errorf("LookupIP ip4 = %v", v4.Records)
	}

	both, err := r.LookupIP(ctx, "ip", "example.org.")
	if err != nil {
		t.Fatalf("LookupIP ip: %v", err)
	}
	if len(both.Records) != 2 {
		t.Errorf("LookupIP ip = %v, want A and AAAA", both.Records)
	}

	mx, err := r.LookupMX(ctx, "example.org")
	if err != nil {
		t.Fatalf("LookupMX: %v", err)
	}
	if len(mx.Records) != 1 || mx.Records[0].Host != "mx.example.org." {
		t.Errorf("LookupMX = %v", mx.Records)
	}

	ptr, err := r.LookupAddr(ctx, net.ParseIP("192.0.2.10"))
	if err != nil {
		t.Fatalf("LookupAddr: %v", err)
	}
	if len(ptr.Records) != 1 || ptr.Records[0] != "mail.example.org." {
		t.Errorf("LookupAddr = %v", ptr.Records)
	}
}

func TestDNSResolverErrors(t *testing.T) {
	r := newMockServer(t)
	ctx := context.Background()

	if _, err := r.LookupTXT(ctx, "missing.example.org"); !IsNotFound(err) {
		t.Errorf("missing name: got %v, want ErrDNSNotFound", err)
	}
	if _, err := r.LookupTXT(ctx, "mx.example.org"); !IsNotFound(err) {
		t.Errorf("no TXT data: got %v, want ErrDNSNotFound", err)
	}
	if _, err := r.LookupTXT(ctx, "broken.example.org"); !IsTemporary(err) {
		t.Errorf("server error: got %v, want temporary error", err)
	}
	if _, err := r.LookupIP(ctx, "ipx", "example.org"); err == nil {
		t.Error("unknown network: expected error")
	}
}

func TestDNSResolverUnreachable(t *testing.T) {
	// nothing listens on the discard port of the loopback address
	r := NewResolver(ResolverConfig{
		Nameservers: []string{"127.0.0.1:9"},
		Timeout:     500 * time.Millisecond,
	})

	_, err := r.LookupTXT(context.Background(), "example.org")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTemporary(err) {
		t.Errorf("got %v, want a temporary error", err)
	}
}

func TestDNSResolverCanceled(t *testing.T) {
	r := newMockServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.LookupTXT(ctx, "example.org")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}
