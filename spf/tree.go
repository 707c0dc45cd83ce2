package spf

import "strings"

// Qualifier is the result a mechanism yields when it matches.
type Qualifier string

const (
	QualifierPass     Qualifier = "pass"
	QualifierFail     Qualifier = "fail"
	QualifierSoftfail Qualifier = "softfail"
	QualifierNeutral  Qualifier = "neutral"
)

// Markers annotate a PolicyNode whose record could not be evaluated normally.
const (
	MarkerNoSPF         = "NO-SPF"
	MarkerLoop          = "LOOP-DETECTED"
	MarkerMultiple      = "PERMERROR: MULTIPLE SPF RECORDS"
	MarkerMalformed     = "PERMERROR: MALFORMED RECORD"
	MarkerTempError     = "TEMPERROR"
	MarkerNotEvaluated  = "NOT-EVALUATED"
	MarkerDepthExceeded = "DEPTH-EXCEEDED"
)

// Mechanism describes one term of a record: a directive or the redirect
// modifier.
type Mechanism struct {
	Qualifier Qualifier
	Type      string
	Value     string
}

// String renders the term as it would be written in a record, for example
// "-all", "include:_spf.example.com", "a/24" or "redirect=example.com".
func (m Mechanism) String() string {
	if m.Type == "redirect" {
		return "redirect=" + m.Value
	}
	var b strings.Builder
	switch m.Qualifier {
	case QualifierFail:
		b.WriteByte('-')
	case QualifierSoftfail:
		b.WriteByte('~')
	case QualifierNeutral:
		b.WriteByte('?')
	}
	b.WriteString(m.Type)
	b.WriteString(m.Value)
	return b.String()
}

func qualifierOf(s Status) Qualifier {
	switch s {
	case StatusFail:
		return QualifierFail
	case StatusSoftfail:
		return QualifierSoftfail
	case StatusNeutral:
		return QualifierNeutral
	}
	return QualifierPass
}

// mechanisms lists the terms of r in evaluation order, redirect last.
func mechanisms(r *Record) []Mechanism {
	l := make([]Mechanism, 0, len(r.Directives)+1)
	for _, d := range r.Directives {
		l = append(l, Mechanism{Qualifier: qualifierOf(d.Status()), Type: d.Mechanism, Value: d.value()})
	}
	if r.Redirect != "" {
		l = append(l, Mechanism{Qualifier: QualifierPass, Type: "redirect", Value: r.Redirect})
	}
	return l
}

// PolicyNode is one domain of the include/redirect tree. The tree mirrors
// the records, so include and redirect targets that evaluation never reached
// still appear as children marked NOT-EVALUATED.
type PolicyNode struct {
	Domain string

	// Record is the raw v=spf1 text, valid when HasRecord is set.
	Record    string
	HasRecord bool

	Mechanisms []Mechanism
	Children   []*PolicyNode

	// Evaluated is set for nodes the evaluation visited.
	Evaluated bool

	// Result is the check_host result of this node when evaluated.
	Result Status

	Marker string
}

func (n *PolicyNode) addChild(domain string) *PolicyNode {
	c := &PolicyNode{Domain: domain}
	n.Children = append(n.Children, c)
	return c
}

// Walk calls fn for n and its descendants, depth first.
func (n *PolicyNode) Walk(fn func(node *PolicyNode, depth int)) {
	n.walk(fn, 0)
}

func (n *PolicyNode) walk(fn func(*PolicyNode, int), depth int) {
	if n == nil {
		return
	}
	fn(n, depth)
	for _, c := range n.Children {
		c.walk(fn, depth+1)
	}
}
