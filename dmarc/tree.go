package dmarc

import (
	"fmt"
	"strings"
)

func buildTree(o *Outcome, from string, d *discovery) []string {
	tree := []string{"DMARC Evaluation", fmt.Sprintf(" ├─ Header-From domain = %s", orNone(from))}

	if !o.Present {
		for _, name := range d.tried {
			tree = append(tree, fmt.Sprintf(" ├─ Query TXT %s", name))
		}
		switch o.Status {
		case StatusTemperror:
			return append(tree,
				fmt.Sprintf(" ├─ DMARC lookup → TEMPERROR (%s)", o.Problem),
				" └─ DMARC RESULT → TEMPERROR (policy not enforced)")
		case StatusPermerror:
			return append(tree,
				fmt.Sprintf(" ├─ DMARC record → PERMERROR (%s)", o.Problem),
				" └─ DMARC RESULT → PERMERROR (policy not enforced)")
		}
		return append(tree,
			" ├─ DMARC record present: NO",
			" │  └─ No policy published",
			" └─ DMARC RESULT → NONE (policy not enforced)")
	}

	tree = append(tree, fmt.Sprintf(" ├─ DMARC record found at _dmarc.%s", o.Location))
	if o.Location != from {
		tree = append(tree, " │  ├─ Inherited from organizational domain")
	}
	tree = append(tree, fmt.Sprintf(" │  ├─ policy (p) = %s", o.Parsed.Policy))
	if o.Parsed.SubdomainPolicy != PolicyEmpty {
		tree = append(tree, fmt.Sprintf(" │  ├─ subdomain policy (sp) = %s", o.Parsed.SubdomainPolicy))
	}
	tree = append(tree,
		fmt.Sprintf(" │  ├─ aspf = %s", o.ASPF),
		fmt.Sprintf(" │  ├─ adkim = %s", o.ADKIM),
		fmt.Sprintf(" │  └─ pct = %d", o.Pct),
		" ├─ SPF alignment check",
		fmt.Sprintf(" │  └─ SPF aligned → %s", passFail(o.SPFAligned)),
		" ├─ DKIM alignment check",
		fmt.Sprintf(" │  └─ DKIM aligned → %s", passFail(o.DKIMAligned)),
		" ├─ DMARC policy evaluation",
		fmt.Sprintf(" │  └─ SPF OR DKIM aligned → %s", o.Status.upper()),
		" ├─ Policy enforcement decision",
	)
	if o.Status == StatusFail {
		applied := "applied"
		if !o.Sampled {
			applied = "downgraded"
		}
		tree = append(tree, fmt.Sprintf(" │  ├─ Sampling bucket → %d (pct=%d, %s)", o.Bucket, o.Pct, applied))
	}
	tree = append(tree,
		fmt.Sprintf(" │  └─ Enforcement → %s", enforcementLabel(o)),
		fmt.Sprintf(" └─ DMARC FINAL RESULT → %s", o.Status.upper()),
	)
	return tree
}

func enforcementLabel(o *Outcome) string {
	label := string(o.Disposition)
	switch {
	case o.Status == StatusPass:
	case !o.Sampled:
		label += " (pct sampling)"
	case o.Enforcement == PolicyNone:
		label += " (monitoring)"
	}
	return label
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return strings.ToLower(s)
}
