// Package arc inspects Authenticated Received Chain (ARC) headers, RFC 8617.
//
// ARC lets intermediaries that modify messages, such as mailing lists,
// record the authentication results they saw. This package only reports
// what the chain claims: the number of ARC sets, the sealer of the newest
// set, its chain validation state (cv=) and the recorded
// ARC-Authentication-Results. Seals are not cryptographically verified and
// the information never changes a DKIM or DMARC verdict.
//
//	info := arc.Inspect(sealValues, authResultValues)
//	if info.Present {
//	    fmt.Println(info.Signer, info.ChainValidation)
//	}
//
// References:
//   - RFC 8617: The Authenticated Received Chain (ARC) Protocol
//   - RFC 8601: Message Header Field for Indicating Message Authentication Status
package arc
