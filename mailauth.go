// Package mailauth evaluates SPF (RFC 7208), DKIM (RFC 6376) and DMARC
// (RFC 7489) for one message and explains how it got there.
//
// # Engine
//
// Create an engine once and share it; it is safe for concurrent use:
//
//	engine, err := mailauth.New(mailauth.DefaultConfig(),
//	    mailauth.WithLogger(logger),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := engine.Evaluate(ctx, mailauth.Request{
//	    Domain:   "example.com",
//	    SenderIP: "192.0.2.1",
//	    MailFrom: "bounce@example.com",
//	    Helo:     "mail.example.com",
//	    Message:  raw,
//	})
//
// SPF and DKIM run concurrently. DMARC then combines both with the policy of
// the From header domain into a disposition: ALLOW, QUARANTINE or REJECT.
//
// # Errors
//
// A message that fails authentication still yields a Result. Evaluate only
// returns an error when it could not decide:
//
//	var input *mailauth.ClientInputError
//	switch {
//	case errors.As(err, &input):
//	    // bad request, nothing was looked up
//	case errors.Is(err, mailauth.ErrUnavailable):
//	    // no nameserver reachable, retry later
//	case errors.Is(err, context.DeadlineExceeded):
//	    // evaluation timed out
//	}
//
// # Tracing
//
// Every outcome carries a human readable account of the evaluation: the SPF
// trace and policy tree, and the DKIM and DMARC trees. The wire package maps
// a Result to the JSON shape served over HTTP.
//
// # Authentication-Results
//
// Render the verdict as an RFC 8601 header value:
//
//	header := "Authentication-Results: " + result.AuthenticationResults("mx.example.org")
//
// # DNS
//
// All lookups go through a per-evaluation dns.Gateway (timeout, counting,
// metrics) over a shared dns.Cache. Use WithResolver to supply a resolver,
// for example dns.MockResolver in tests.
package mailauth
