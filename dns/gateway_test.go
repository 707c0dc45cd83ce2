package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

func TestGatewayCountsCalls(t *testing.T) {
	g := NewGateway(MockResolver{
		TXT: map[string][]string{"example.com.": {"v=spf1 -all"}},
		A:   map[string][]string{"example.com.": {"192.0.2.1"}},
	}, 0, nil)
	ctx := context.Background()

	_, _ = g.LookupTXT(ctx, "example.com")
	_, _ = g.LookupTXT(ctx, "missing.example.com")
	_, _ = g.LookupIP(ctx, "ip4", "example.com")
	_, _ = g.LookupMX(ctx, "example.com")
	_, _ = g.LookupAddr(ctx, net.ParseIP("192.0.2.1"))

	if got := g.Calls(); got != 5 {
		t.Errorf("Calls() = %d, want 5", got)
	}
}

func TestGatewayCountsConcurrentCalls(t *testing.T) {
	g := NewGateway(MockResolver{}, 0, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = g.LookupTXT(context.Background(), "example.com")
		}()
	}
	wg.Wait()

	if got := g.Calls(); got != 20 {
		t.Errorf("Calls() = %d, want 20", got)
	}
}

func TestGatewayTimeout(t *testing.T) {
	g := NewGateway(MockResolver{
		TXT:   map[string][]string{"slow.example.com.": {"v=spf1 -all"}},
		Delay: time.Second,
	}, 20*time.Millisecond, nil)

	start := time.Now()
	_, err := g.LookupTXT(context.Background(), "slow.example.com")
	if !IsTimeout(err) {
		t.Fatalf("got %v, want ErrDNSTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("lookup took %v, timeout not applied", elapsed)
	}
}

func TestGatewayCallerCancellation(t *testing.T) {
	g := NewGateway(MockResolver{Delay: time.Second}, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := g.LookupTXT(ctx, "example.com")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	if IsTimeout(err) {
		t.Error("cancellation must not be reported as a DNS timeout")
	}
}

func TestGatewayOverCache(t *testing.T) {
	upstream := &countingResolver{Resolver: MockResolver{
		TXT: map[string][]string{"example.com.": {"v=spf1 -all"}},
	}}
	cache := NewCache(upstream, CacheConfig{})

	// two evaluations, each with its own gateway, share the cache
	for range 2 {
		g := NewGateway(cache, 0, nil)
		if _, err := g.LookupTXT(context.Background(), "example.com"); err != nil {
			t.Fatal(err)
		}
		if g.Calls() != 1 {
			t.Errorf("Calls() = %d, want 1", g.Calls())
		}
	}
	if got := upstream.txt.Load(); got != 1 {
		t.Errorf("upstream calls = %d, want 1", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrDNSNotFound, "nxdomain"},
		{ErrDNSTimeout, "timeout"},
		{ErrDNSServFail, "temporary"},
		{ErrDNSUnavailable, "unavailable"},
		{context.Canceled, "canceled"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
