package dns

import (
	"context"
	"net"
	"slices"
	"strings"
	"time"
)

// MockResolver is a Resolver used for testing.
// Record maps are keyed by lower-case FQDN with trailing dot, except PTR
// which is keyed by the IP string.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains requests that return ErrDNSServFail.
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string

	// Timeout contains requests that return ErrDNSTimeout, same format as Fail.
	Timeout []string

	// Unavailable makes every request fail with ErrDNSUnavailable.
	Unavailable bool

	// Delay blocks every request for the given duration or until the
	// context is done, whichever comes first.
	Delay time.Duration

	// TTL is reported on every successful answer.
	TTL time.Duration

	// AllAuthentic sets the default value for Authentic in responses.
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx", "ptr"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

func mockName(name string) string {
	return Fqdn(strings.ToLower(name))
}

// check applies the configured delay and failures for mr.
func (r MockResolver) check(ctx context.Context, mr mockReq) error {
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.Unavailable {
		return ErrDNSUnavailable
	}
	if slices.Contains(r.Fail, mr.String()) {
		return ErrDNSServFail
	}
	if slices.Contains(r.Timeout, mr.String()) {
		return ErrDNSTimeout
	}
	return nil
}

// LookupTXT returns TXT records for the given domain.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	fqdn := mockName(name)
	res := Result[string]{Authentic: r.AllAuthentic}
	if err := r.check(ctx, mockReq{"txt", fqdn}); err != nil {
		return res, err
	}

	records := r.TXT[fqdn]
	if len(records) == 0 {
		return res, ErrDNSNotFound
	}
	res.Records = slices.Clone(records)
	res.TTL = r.TTL
	return res, nil
}

// LookupIP returns A and/or AAAA records for the given host.
func (r MockResolver) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	fqdn := mockName(host)
	res := Result[net.IP]{Authentic: r.AllAuthentic}

	if network != "ip6" {
		if err := r.check(ctx, mockReq{"a", fqdn}); err != nil {
			return res, err
		}
		for _, ip := range r.A[fqdn] {
			res.Records = append(res.Records, net.ParseIP(ip))
		}
	}
	if network != "ip4" {
		if err := r.check(ctx, mockReq{"aaaa", fqdn}); err != nil {
			return res, err
		}
		for _, ip := range r.AAAA[fqdn] {
			res.Records = append(res.Records, net.ParseIP(ip))
		}
	}

	if len(res.Records) == 0 {
		return res, ErrDNSNotFound
	}
	res.TTL = r.TTL
	return res, nil
}

// LookupMX returns MX records for the given domain.
func (r MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	fqdn := mockName(name)
	res := Result[*net.MX]{Authentic: r.AllAuthentic}
	if err := r.check(ctx, mockReq{"mx", fqdn}); err != nil {
		return res, err
	}

	records := r.MX[fqdn]
	if len(records) == 0 {
		return res, ErrDNSNotFound
	}
	res.Records = slices.Clone(records)
	res.TTL = r.TTL
	return res, nil
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := ip.String()
	res := Result[string]{Authentic: r.AllAuthentic}
	if err := r.check(ctx, mockReq{"ptr", key}); err != nil {
		return res, err
	}

	records := r.PTR[key]
	if len(records) == 0 {
		return res, ErrDNSNotFound
	}
	res.Records = slices.Clone(records)
	res.TTL = r.TTL
	return res, nil
}
