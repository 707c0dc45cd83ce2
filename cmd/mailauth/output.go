package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/synqronlabs/mailauth"
	"github.com/synqronlabs/mailauth/spf"
	"github.com/synqronlabs/mailauth/wire"
)

// Output formats of the check command.
const (
	OutputText    = "text"
	OutputJSON    = "json"
	OutputMsgpack = "msgpack"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

func writeResult(w io.Writer, res *mailauth.Result, format, authservID string) error {
	switch format {
	case OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(wire.FromResult(res))
	case OutputMsgpack:
		data, err := wire.FromResult(res).MarshalMsg(nil)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	case OutputText, "":
		printText(w, res, authservID)
		return nil
	}
	return fmt.Errorf("unknown output format %q (text, json, msgpack)", format)
}

func printText(w io.Writer, res *mailauth.Result, authservID string) {
	fmt.Fprintf(w, "\n%s for %s from %s (evaluation %s)\n",
		bold("Authentication"), bold(res.Request.Domain), res.Request.SenderIP, res.ID)
	fmt.Fprintln(w, faint("---------------------------------------------------"))

	if o := res.SPF; o != nil {
		fmt.Fprintf(w, "\n%s %s\n", bold("SPF"), statusLabel(string(o.Result)))
		for _, line := range o.Trace {
			fmt.Fprintf(w, "  %s\n", faint(line))
		}
		if o.Tree != nil {
			fmt.Fprintln(w)
			printPolicyTree(w, o.Tree)
		}
	}
	if o := res.DKIM; o != nil {
		fmt.Fprintf(w, "\n%s %s\n", bold("DKIM"), statusLabel(string(o.Result)))
		printLines(w, o.Tree)
	}
	if o := res.DMARC; o != nil {
		fmt.Fprintf(w, "\n%s %s\n", bold("DMARC"), statusLabel(string(o.Status)))
		printLines(w, o.Tree)
	}

	fmt.Fprintln(w)
	summaryTable(w, res)

	if authservID != "" {
		fmt.Fprintf(w, "\nAuthentication-Results: %s\n", res.AuthenticationResults(authservID))
	}
	fmt.Fprintln(w)
}

// printPolicyTree prints the SPF include/redirect tree with one icon per
// domain: evaluated to pass, to a failure, or not reached.
func printPolicyTree(w io.Writer, root *spf.PolicyNode) {
	root.Walk(func(n *spf.PolicyNode, depth int) {
		indent := strings.Repeat("    ", depth)
		icon := yellow("•")
		switch {
		case !n.Evaluated:
		case n.Result == spf.StatusPass:
			icon = mark(true)
		case n.Result == spf.StatusFail, n.Result == spf.StatusSoftfail, n.Result == spf.StatusPermerror:
			icon = mark(false)
		}
		fmt.Fprintf(w, "  %s%s %s\n", indent, icon, bold(n.Domain))
		if n.HasRecord {
			fmt.Fprintf(w, "  %s    %s\n", indent, faint(n.Record))
		}
		terms := make([]string, 0, len(n.Mechanisms))
		for _, m := range n.Mechanisms {
			terms = append(terms, m.String())
		}
		if len(terms) > 0 {
			fmt.Fprintf(w, "  %s    ↳ %s\n", indent, cyan(strings.Join(terms, " ")))
		}
		if n.Marker != "" {
			fmt.Fprintf(w, "  %s    ↳ %s\n", indent, yellow(n.Marker))
		}
	})
}

func printLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintf(w, "  %s\n", line)
	}
}

func statusLabel(s string) string {
	u := strings.ToUpper(s)
	switch s {
	case "pass":
		return green(u)
	case "fail", "softfail", "permerror":
		return red(u)
	case "":
		return faint("NONE")
	default:
		return yellow(u)
	}
}

func summaryTable(w io.Writer, res *mailauth.Result) {
	resp := wire.FromResult(res)

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Check", "Result", "Domain", "Details"})
	t.AppendRow(table.Row{
		"SPF",
		mark(resp.SPF.Result == "PASS") + " " + resp.SPF.Result,
		resp.SPF.Domain,
		fmt.Sprintf("%d DNS lookups", resp.SPF.DNSLookups),
	})
	t.AppendRow(table.Row{
		"DKIM",
		mark(resp.DKIM.Result == "PASS") + " " + resp.DKIM.Result,
		resp.DKIM.Domain,
		fmt.Sprintf("%d signatures, aligned: %t", len(resp.DKIM.Signatures), resp.DKIM.Aligned),
	})
	t.AppendRow(table.Row{
		"DMARC",
		mark(resp.DMARC.Raw.DMARCResult == "ALLOW") + " " + resp.DMARC.Raw.DMARCResult,
		res.HeaderFrom,
		fmt.Sprintf("policy %s, enforced %s, spf aligned: %t, dkim aligned: %t",
			resp.DMARC.Raw.Policy, resp.DMARC.Raw.Enforcement, resp.DMARC.Raw.SPFAligned, resp.DMARC.Raw.DKIMAligned),
	})
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Header = text.FormatDefault
	t.Render()
}

func mark(ok bool) string {
	if ok {
		return green("✔")
	}
	return red("✖")
}
