package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/dns"
	"github.com/synqronlabs/mailauth/wire"
)

func testEngine(t *testing.T, resolver dns.Resolver) *mailauth.Engine {
	t.Helper()
	e, err := mailauth.New(mailauth.Config{DisableCache: true}, mailauth.WithResolver(resolver))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

var testZone = dns.MockResolver{
	TXT: map[string][]string{
		"example.com.":        {"v=spf1 ip4:192.0.2.0/24 -all"},
		"_dmarc.example.com.": {"v=DMARC1; p=reject"},
	},
}

func newTestServer(t *testing.T, engine Evaluator, opts Options) (*httptest.Server, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	opts.Logger = zerolog.New(&logs)
	ts := httptest.NewServer(NewServer(engine, opts).Routes())
	t.Cleanup(ts.Close)
	return ts, &logs
}

func post(t *testing.T, ts *httptest.Server, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+CheckRoute, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return e
}

func TestCheck(t *testing.T) {
	ts, _ := newTestServer(t, testEngine(t, testZone), Options{AuthservID: "mx.example.net"})

	tests := []struct {
		name      string
		body      string
		wantSPF   string
		wantDMARC string
		wantSPFOK bool
	}{
		{
			name:      "pass",
			body:      `{"domain":"example.com","sender_ip":"192.0.2.10","mail_from":null,"helo":null,"raw_email_b64":null}`,
			wantSPF:   "PASS",
			wantDMARC: "ALLOW",
			wantSPFOK: true,
		},
		{
			name:      "fail rejected",
			body:      `{"domain":"example.com","sender_ip":"198.51.100.1"}`,
			wantSPF:   "FAIL",
			wantDMARC: "REJECT",
		},
		{
			name: "message without signature",
			body: fmt.Sprintf(`{"domain":"example.com","sender_ip":"198.51.100.1","raw_email_b64":%q}`,
				base64.StdEncoding.EncodeToString([]byte("From: <a@example.com>\r\nSubject: hi\r\n\r\nbody\r\n"))),
			wantSPF:   "FAIL",
			wantDMARC: "REJECT",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, ts, tt.body, nil)
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != contentTypeJSON {
				t.Errorf("Content-Type = %q", ct)
			}
			if resp.Header.Get(EvaluationIDHeader) == "" {
				t.Error("missing evaluation ID")
			}
			if ar := resp.Header.Get("Authentication-Results"); !strings.HasPrefix(ar, "mx.example.net;") {
				t.Errorf("Authentication-Results = %q", ar)
			}
			var got wire.Response
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.SPF.Result != tt.wantSPF || got.DMARC.Raw.DMARCResult != tt.wantDMARC || got.DMARC.Raw.SPFAligned != tt.wantSPFOK {
				t.Errorf("got spf=%s dmarc=%s spf_aligned=%v", got.SPF.Result, got.DMARC.Raw.DMARCResult, got.DMARC.Raw.SPFAligned)
			}
			if got.DMARC.Raw.Policy != "reject" {
				t.Errorf("policy = %q", got.DMARC.Raw.Policy)
			}
		})
	}
}

func TestCheckMsgpack(t *testing.T) {
	ts, _ := newTestServer(t, testEngine(t, testZone), Options{})
	for _, accept := range []string{"application/msgpack", "application/x-msgpack", "text/html, application/x-msgpack;q=0.9"} {
		resp := post(t, ts, `{"domain":"example.com","sender_ip":"192.0.2.10"}`, http.Header{"Accept": {accept}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: status = %d", accept, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != contentTypeMsgpack {
			t.Errorf("%s: Content-Type = %q", accept, ct)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(err)
		}
		var got wire.Response
		if _, err := got.UnmarshalMsg(data); err != nil {
			t.Fatalf("%s: UnmarshalMsg: %v", accept, err)
		}
		if got.SPF.Result != "PASS" || got.DMARC.Raw.DMARCResult != "ALLOW" {
			t.Errorf("%s: got %+v", accept, got)
		}
	}
}

type fakeEngine struct {
	err   error
	panic bool
	delay time.Duration
}

func (f fakeEngine) Evaluate(ctx context.Context, _ mailauth.Request) (*mailauth.Result, error) {
	if f.panic {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return nil, f.err
}

func TestCheckErrors(t *testing.T) {
	valid := `{"domain":"example.com","sender_ip":"192.0.2.10"}`
	tests := []struct {
		name   string
		engine Evaluator
		body   string
		want   int
	}{
		{"malformed json", testEngine(t, testZone), `{"domain":`, http.StatusBadRequest},
		{"missing domain", testEngine(t, testZone), `{"domain":"","sender_ip":"192.0.2.10"}`, http.StatusBadRequest},
		{"bad ip", testEngine(t, testZone), `{"domain":"example.com","sender_ip":"999.1.1.1"}`, http.StatusBadRequest},
		{"bad base64", testEngine(t, testZone), `{"domain":"example.com","sender_ip":"192.0.2.10","raw_email_b64":"@@@"}`, http.StatusBadRequest},
		{"dns unavailable", testEngine(t, dns.MockResolver{Unavailable: true}), valid, http.StatusServiceUnavailable},
		{"deadline", fakeEngine{err: &mailauth.EvaluationError{Stage: mailauth.StageSPF, Err: context.DeadlineExceeded}}, valid, http.StatusGatewayTimeout},
		{"internal", fakeEngine{err: errors.New("broken")}, valid, http.StatusInternalServerError},
		{"panic", fakeEngine{panic: true}, valid, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, _ := newTestServer(t, tt.engine, Options{})
			resp := post(t, ts, tt.body, http.Header{RequestIDHeader: {"req-42"}})
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			e := decodeError(t, resp)
			if e.Error == "" || e.CorrelationID != "req-42" {
				t.Errorf("error body = %+v", e)
			}
		})
	}
}

func TestCheckBodyLimit(t *testing.T) {
	ts, _ := newTestServer(t, testEngine(t, testZone), Options{MaxBodyBytes: 64})
	body := fmt.Sprintf(`{"domain":"example.com","sender_ip":"192.0.2.10","raw_email_b64":%q}`, strings.Repeat("A", 128))
	resp := post(t, ts, body, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestCorrelationID(t *testing.T) {
	ts, logs := newTestServer(t, testEngine(t, testZone), Options{})

	resp := post(t, ts, `{"domain":"example.com","sender_ip":"192.0.2.10"}`, http.Header{RequestIDHeader: {"abc"}})
	if got := resp.Header.Get(RequestIDHeader); got != "abc" {
		t.Errorf("echoed ID = %q", got)
	}
	resp = post(t, ts, `{"domain":"example.com","sender_ip":"192.0.2.10"}`, nil)
	generated := resp.Header.Get(RequestIDHeader)
	if len(generated) != 20 {
		t.Errorf("generated ID = %q, want an xid", generated)
	}
	if !strings.Contains(logs.String(), `"correlation_id":"abc"`) || !strings.Contains(logs.String(), generated) {
		t.Errorf("request log misses correlation IDs:\n%s", logs)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, logs := newTestServer(t, testEngine(t, testZone), Options{})
	_ = post(t, ts, `{"domain":"example.com","sender_ip":"192.0.2.10"}`, nil)

	resp, err := ts.Client().Get(ts.URL + HealthRoute)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "OK" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
	if strings.Contains(logs.String(), HealthRoute) {
		t.Error("health probe logged")
	}

	resp, err = ts.Client().Get(ts.URL + MetricsRoute)
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "mailauth_evaluations_total") {
		t.Error("metrics missing evaluation counter")
	}

	resp, err = ts.Client().Get(ts.URL + CheckRoute)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /check = %d", resp.StatusCode)
	}
}

func TestServeShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(fakeEngine{delay: 100 * time.Millisecond, err: errors.New("slow")}, Options{Logger: zerolog.Nop()})
	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	// an in-flight request completes during shutdown
	status := make(chan int, 1)
	go func() {
		resp, err := http.Post("http://"+ln.Addr().String()+CheckRoute, "application/json",
			strings.NewReader(`{"domain":"example.com","sender_ip":"192.0.2.10"}`))
		if err != nil {
			status <- 0
			return
		}
		_ = resp.Body.Close()
		status <- resp.StatusCode
	}()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve: %v", err)
	}
	if got := <-status; got != http.StatusInternalServerError {
		t.Errorf("in-flight request status = %d", got)
	}
}

func TestRemoteIP(t *testing.T) {
	tests := map[string]string{
		"192.0.2.1:5000":   "192.0.2.1",
		"[2001:db8::1]:80": "2001:db8::1",
		"192.0.2.1":        "192.0.2.1",
		"@":                "@",
	}
	for in, want := range tests {
		if got := remoteIP(in); got != want {
			t.Errorf("remoteIP(%q) = %q, want %q", in, got, want)
		}
	}
}
