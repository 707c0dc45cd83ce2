package spf

import "sync/atomic"

// SPF evaluation limits per RFC 7208 section 4.6.4.
const (
	// DefaultMaxLookups bounds the terms that cause DNS queries: include,
	// a, mx, ptr, exists, redirect and the %{p} macro.
	DefaultMaxLookups = 10

	// DefaultMaxVoidLookups bounds lookups that return no data.
	DefaultMaxVoidLookups = 2

	// DefaultMaxDepth bounds include/redirect nesting.
	DefaultMaxDepth = 20

	// mxPtrLimit is the number of MX or PTR names followed per mechanism.
	mxPtrLimit = 10
)

// Budget is the DNS lookup allowance of one top-level evaluation. It is
// threaded by pointer through the recursion and is safe for concurrent use.
type Budget struct {
	max     int64
	voidMax int64
	used    atomic.Int64
	void    atomic.Int64
}

// NewBudget returns a budget of max lookups of which at most voidMax may
// return no data. Non-positive values select the RFC defaults.
func NewBudget(max, voidMax int) *Budget {
	if max <= 0 {
		max = DefaultMaxLookups
	}
	if voidMax <= 0 {
		voidMax = DefaultMaxVoidLookups
	}
	return &Budget{max: int64(max), voidMax: int64(voidMax)}
}

// Take consumes one lookup unit. It returns false, without consuming, when
// the budget is exhausted.
func (b *Budget) Take() bool {
	for {
		n := b.used.Load()
		if n >= b.max {
			return false
		}
		if b.used.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Void records a lookup that returned no data. It returns false once more
// than the allowed number of void lookups happened.
func (b *Budget) Void() bool {
	return b.void.Add(1) <= b.voidMax
}

// Used returns the number of lookup units consumed.
func (b *Budget) Used() int { return int(b.used.Load()) }

// VoidUsed returns the number of void lookups recorded.
func (b *Budget) VoidUsed() int { return int(b.void.Load()) }

// Max returns the lookup limit.
func (b *Budget) Max() int { return int(b.max) }
