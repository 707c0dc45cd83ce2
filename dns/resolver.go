package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used,
	// falling back to public DNS (8.8.8.8, 1.1.1.1).
	Nameservers []string

	// DNSSEC sets the DO bit and reports the AD flag in Result.Authentic.
	// Requires DNSSEC-validating upstream resolvers.
	DNSSEC bool

	// Timeout is the timeout for individual DNS queries. Default is 5 seconds.
	Timeout time.Duration

	// Retries is the number of extra passes over the nameserver list after
	// a transient failure. Default is 0: a transient error surfaces to the
	// evaluator once and the caller decides whether to retry.
	Retries int
}

// DNSResolver implements the Resolver interface using github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
	tcp    *mdns.Client
}

var _ Resolver = (*DNSResolver)(nil)

// NewResolver creates a new DNS resolver.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = getSystemNameservers()
	}

	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
		tcp:    &mdns.Client{Net: "tcp", Timeout: config.Timeout},
	}
}

// getSystemNameservers tries to get system DNS servers from resolv.conf.
func getSystemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}
	return servers
}

// answer is a successful response plus its DNSSEC status.
type answer struct {
	msg       *mdns.Msg
	authentic bool
}

// query sends one question to the configured nameservers in order until one
// gives a definitive answer.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (answer, error) {
	m := new(mdns.Msg)
	m.SetQuestion(Fqdn(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	var lastErr error
	reached := false

	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return answer{}, err
			}

			resp, err := r.exchange(ctx, m, server)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return answer{}, ctxErr
				}
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					reached = true
					lastErr = ErrDNSTimeout
				} else if lastErr == nil {
					lastErr = fmt.Errorf("%w: %s: %v", ErrDNSUnavailable, server, err)
				}
				continue
			}
			reached = true

			authentic := r.config.DNSSEC && resp.AuthenticatedData

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return answer{msg: resp, authentic: authentic}, nil
			case mdns.RcodeNameError:
				return answer{authentic: authentic}, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				// a validating resolver answers SERVFAIL for bogus data
				if r.config.DNSSEC {
					lastErr = ErrDNSBogus
				} else {
					lastErr = ErrDNSServFail
				}
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("%w: unexpected rcode %s", ErrDNSServFail, mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrDNSServFail
	}
	if !reached && !errors.Is(lastErr, ErrDNSUnavailable) {
		lastErr = fmt.Errorf("%w: %v", ErrDNSUnavailable, lastErr)
	}
	return answer{}, lastErr
}

// exchange runs the query over UDP and repeats it over TCP when the UDP
// answer was truncated.
func (r *DNSResolver) exchange(ctx context.Context, m *mdns.Msg, server string) (*mdns.Msg, error) {
	resp, _, err := r.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if resp.Truncated {
		tcpResp, _, tcpErr := r.tcp.ExchangeContext(ctx, m, server)
		if tcpErr == nil {
			return tcpResp, nil
		}
	}
	return resp, nil
}

// minTTL returns the smallest TTL over rrs of the wanted type.
func minTTL(rrs []mdns.RR, qtype uint16) time.Duration {
	var ttl uint32
	found := false
	for _, rr := range rrs {
		h := rr.Header()
		if h.Rrtype != qtype {
			continue
		}
		if !found || h.Ttl < ttl {
			ttl = h.Ttl
			found = true
		}
	}
	return time.Duration(ttl) * time.Second
}

// LookupTXT retrieves TXT records for the given domain.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	ans, err := r.query(ctx, name, mdns.TypeTXT)
	if err != nil {
		return Result[string]{Authentic: ans.authentic}, err
	}

	var records []string
	for _, rr := range ans.msg.Answer {
		if txt, ok := rr.(*mdns.TXT); ok {
			// character-strings of one record are concatenated (RFC 7208 3.3)
			records = append(records, strings.Join(txt.Txt, ""))
		}
	}

	if len(records) == 0 {
		return Result[string]{Authentic: ans.authentic}, ErrDNSNotFound
	}

	return Result[string]{
		Records:   records,
		Authentic: ans.authentic,
		TTL:       minTTL(ans.msg.Answer, mdns.TypeTXT),
	}, nil
}

// LookupIP retrieves A and/or AAAA records for the given host.
func (r *DNSResolver) LookupIP(ctx context.Context, network, host string) (Result[net.IP], error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{mdns.TypeA}
	case "ip6":
		qtypes = []uint16{mdns.TypeAAAA}
	case "ip", "":
		qtypes = []uint16{mdns.TypeA, mdns.TypeAAAA}
	default:
		return Result[net.IP]{}, fmt.Errorf("dns: unknown network %q", network)
	}

	res := Result[net.IP]{Authentic: true}
	var lastErr error
	haveTTL := false

	for _, qtype := range qtypes {
		ans, err := r.query(ctx, host, qtype)
		if err != nil {
			if !IsNotFound(err) && lastErr == nil {
				lastErr = err
			}
			res.Authentic = res.Authentic && ans.authentic
			continue
		}
		res.Authentic = res.Authentic && ans.authentic
		for _, rr := range ans.msg.Answer {
			switch v := rr.(type) {
			case *mdns.A:
				res.Records = append(res.Records, v.A)
			case *mdns.AAAA:
				res.Records = append(res.Records, v.AAAA)
			}
		}
		if ttl := minTTL(ans.msg.Answer, qtype); ttl > 0 && (!haveTTL || ttl < res.TTL) {
			res.TTL = ttl
			haveTTL = true
		}
	}

	if len(res.Records) == 0 {
		res.TTL = 0
		if lastErr != nil {
			return res, lastErr
		}
		return res, ErrDNSNotFound
	}
	return res, nil
}

// LookupMX retrieves MX records for the given domain.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	ans, err := r.query(ctx, name, mdns.TypeMX)
	if err != nil {
		return Result[*net.MX]{Authentic: ans.authentic}, err
	}

	var records []*net.MX
	for _, rr := range ans.msg.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, &net.MX{Host: mx.Mx, Pref: mx.Preference})
		}
	}

	if len(records) == 0 {
		return Result[*net.MX]{Authentic: ans.authentic}, ErrDNSNotFound
	}

	return Result[*net.MX]{
		Records:   records,
		Authentic: ans.authentic,
		TTL:       minTTL(ans.msg.Answer, mdns.TypeMX),
	}, nil
}

// LookupAddr performs a reverse DNS lookup for the given IP address.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, fmt.Errorf("dns: nil IP address")
	}

	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	ans, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{Authentic: ans.authentic}, err
	}

	var names []string
	for _, rr := range ans.msg.Answer {
		if ptr, ok := rr.(*mdns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}

	if len(names) == 0 {
		return Result[string]{Authentic: ans.authentic}, ErrDNSNotFound
	}

	return Result[string]{
		Records:   names,
		Authentic: ans.authentic,
		TTL:       minTTL(ans.msg.Answer, mdns.TypePTR),
	}, nil
}

// Config returns the resolver's current configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}
