package spf

import (
	"context"
	"strings"
)

// maxUnreachedLookups bounds the TXT lookups spent on unreached branches.
const maxUnreachedLookups = 50

// expandUnreached fills the NOT-EVALUATED nodes below root with their
// records and targets. The walk only fetches TXT records, is not budgeted
// or traced and never changes the result.
func (e *evaluation) expandUnreached(ctx context.Context, root *PolicyNode) {
	w := &unreachedWalk{e: e, seen: map[string]bool{}}
	root.Walk(func(n *PolicyNode, _ int) {
		if n.Evaluated {
			w.seen[n.Domain] = true
		}
	})
	w.walk(ctx, root, 0)
}

type unreachedWalk struct {
	e       *evaluation
	seen    map[string]bool
	lookups int
}

func (w *unreachedWalk) walk(ctx context.Context, n *PolicyNode, depth int) {
	if ctx.Err() != nil {
		return
	}
	if n.Marker == MarkerNotEvaluated && !n.HasRecord {
		w.fill(ctx, n, depth)
	}
	for _, c := range n.Children {
		w.walk(ctx, c, depth+1)
	}
}

func (w *unreachedWalk) fill(ctx context.Context, n *PolicyNode, depth int) {
	if strings.Contains(n.Domain, "%") || depth > w.e.ev.maxDepth() || w.seen[n.Domain] {
		return
	}
	if w.lookups >= maxUnreachedLookups {
		return
	}
	w.seen[n.Domain] = true
	w.lookups++

	res, err := w.e.resolver.LookupTXT(ctx, n.Domain)
	if err != nil {
		return
	}
	var txt string
	for _, r := range res.Records {
		if IsRecord(r) {
			if txt != "" {
				return
			}
			txt = r
		}
	}
	if txt == "" {
		return
	}
	rec, err := ParseRecord(txt)
	if err != nil {
		return
	}

	n.Record = txt
	n.HasRecord = true
	n.Mechanisms = mechanisms(rec)
	for _, d := range rec.Directives {
		if d.Mechanism == "include" {
			n.addChild(unreachedDomain(d.DomainSpec)).Marker = MarkerNotEvaluated
		}
	}
	if rec.Redirect != "" {
		n.addChild(unreachedDomain(rec.Redirect)).Marker = MarkerNotEvaluated
	}
}
