package dkim

import (
	"fmt"
	"strings"
)

func buildTree(o *Outcome) []string {
	tree := []string{"DKIM Verification"}

	if len(o.Signatures) == 0 {
		tree = append(tree,
			" ├─ DKIM-Signature present: NO",
			" └─ DKIM RESULT → NONE",
		)
		return tree
	}

	tree = append(tree, fmt.Sprintf(" ├─ DKIM-Signatures found: %d", len(o.Signatures)))
	for i, s := range o.Signatures {
		verdict := "PASS"
		if !s.Valid {
			verdict = fmt.Sprintf("%s (%s)", strings.ToUpper(string(s.Status)), s.FailureReason)
		}
		tree = append(tree,
			fmt.Sprintf(" │  ├─ Signature #%d", i+1),
			fmt.Sprintf(" │  │  ├─ d = %s", orNone(s.Domain)),
			fmt.Sprintf(" │  │  ├─ s = %s", orNone(s.Selector)),
			fmt.Sprintf(" │  │  ├─ algorithm = %s", orNone(s.Algorithm)),
			fmt.Sprintf(" │  │  ├─ canonicalization = %s", s.Canonicalization()),
			fmt.Sprintf(" │  │  └─ verification → %s", verdict),
		)
	}

	result := strings.ToUpper(string(o.Result))
	tree = append(tree,
		" ├─ Cryptographic verification",
		fmt.Sprintf(" │  └─ Result → %s", result),
	)

	if o.ARC.Present {
		cv := o.ARC.ChainValidation
		if cv == "" {
			cv = "unknown"
		}
		tree = append(tree,
			" ├─ ARC detected",
			fmt.Sprintf(" │  ├─ ARC sets → %d (cv=%s)", o.ARC.Instances, cv),
			fmt.Sprintf(" │  ├─ ARC signer → %s", orNone(o.ARC.Signer)),
			" │  └─ Note → Message authenticated upstream (ARC is informational)",
		)
	}

	if o.HeaderFromDomain != "" {
		tree = append(tree,
			fmt.Sprintf(" ├─ Header-From domain = %s", o.HeaderFromDomain),
			" ├─ DKIM domain selection for DMARC",
		)
		if o.Domain != "" {
			tree = append(tree, fmt.Sprintf(" │  └─ Selected DKIM domain → %s", o.Domain))
		} else {
			tree = append(tree, " │  └─ No DKIM domain usable for DMARC")
		}
	}

	return append(tree, fmt.Sprintf(" └─ DKIM FINAL RESULT → %s", result))
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
