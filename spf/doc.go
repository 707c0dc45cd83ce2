// Package spf implements Sender Policy Framework (SPF) evaluation according to RFC 7208.
//
// SPF allows domain owners to publish a policy as a DNS TXT record describing which IP
// addresses are authorized to send email with the domain in the MAIL FROM command.
//
// This package provides:
//   - Full SPF record parsing with all mechanisms and modifiers
//   - Recursive evaluation with a shared DNS lookup budget and loop detection
//   - Macro expansion support, including the validated-PTR macro
//   - A human readable decision trace and the include/redirect policy tree
//
// Basic Usage:
//
//	ev := &spf.Evaluator{Prefetch: true}
//	out, err := ev.Evaluate(ctx, resolver, spf.Request{
//	    Domain:   "example.com",
//	    SenderIP: net.ParseIP("192.0.2.1"),
//	    MailFrom: "user@example.com",
//	    Helo:     "mail.example.com",
//	}, nil)
//	if err != nil {
//	    // DNS unavailable or ctx canceled: no verdict
//	}
//
//	switch out.Result {
//	case spf.StatusPass:
//	case spf.StatusFail:
//	case spf.StatusSoftfail:
//	}
//
// Every mechanism that needs DNS (include, a, mx, ptr, exists, the redirect
// modifier and the %{p} macro) takes one unit from a Budget shared by the whole
// evaluation. Running out, exceeding the void lookup limit, or visiting a domain
// twice stops the evaluation with StatusPermerror.
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
package spf
