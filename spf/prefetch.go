package spf

import "strings"

// prefetchLimit bounds the concurrent warming lookups of one evaluation.
const prefetchLimit = 8

// prefetch starts lookups for the macro-free targets of rec so that the
// sequential evaluation finds them in the cache. It neither consumes budget
// nor writes the trace; results are dropped. When the pool is busy the
// target is skipped.
func (e *evaluation) prefetch(rec *Record, domain string) {
	ctx := e.warmCtx
	network := e.network()

	for _, d := range rec.Directives {
		target := d.DomainSpec
		if strings.Contains(target, "%") {
			continue
		}
		if target == "" {
			target = domain
		}

		switch d.Mechanism {
		case "a":
			e.warm.TryGo(func() error {
				_, _ = e.resolver.LookupIP(ctx, network, target)
				return nil
			})
		case "exists":
			e.warm.TryGo(func() error {
				_, _ = e.resolver.LookupIP(ctx, "ip4", target)
				return nil
			})
		case "mx":
			e.warm.TryGo(func() error {
				_, _ = e.resolver.LookupMX(ctx, target)
				return nil
			})
		case "include":
			e.warm.TryGo(func() error {
				_, _ = e.resolver.LookupTXT(ctx, target)
				return nil
			})
		}
	}
	if rec.Redirect != "" && !strings.Contains(rec.Redirect, "%") {
		target := rec.Redirect
		e.warm.TryGo(func() error {
			_, _ = e.resolver.LookupTXT(ctx, target)
			return nil
		})
	}
}
