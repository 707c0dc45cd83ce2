package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", Options{}, false},
		{"json debug", Options{Level: "debug", Format: "json"}, false},
		{"console no color", Options{Level: "warn", NoColor: true}, false},
		{"bad level", Options{Level: "chatty"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Writer = &buf
			_, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConsoleNoColor(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Format: "console", NoColor: true, Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.Info().Str("domain", "example.com").Msg("evaluated")
	out := buf.String()
	if !strings.Contains(out, "evaluated") || !strings.Contains(out, "domain=example.com") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("colour codes in %q", out)
	}
}

func TestSlogHandler(t *testing.T) {
	var buf bytes.Buffer
	zl, err := New(Options{Level: "debug", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger := Slog(zl).With("component", "spf").WithGroup("dns")
	logger.Info("lookup",
		"name", "example.com",
		"count", 3,
		"took", 1500*time.Millisecond,
		"authentic", true,
		slog.Group("answer", "ttl", uint64(300)),
		"err", errors.New("servfail"),
	)
	logger.Debug("detail")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	l := lines[0]
	want := map[string]any{
		"level":          "info",
		"message":        "lookup",
		"component":      "spf",
		"dns.name":       "example.com",
		"dns.count":      float64(3),
		"dns.authentic":  true,
		"dns.answer.ttl": float64(300),
		"dns.err":        "servfail",
		"dns.took":       float64(1500),
	}
	for k, v := range want {
		if l[k] != v {
			t.Errorf("%s = %#v, want %#v", k, l[k], v)
		}
	}
	if lines[1]["level"] != "debug" {
		t.Errorf("second line = %v", lines[1])
	}
}

func TestSlogHandlerLevel(t *testing.T) {
	var buf bytes.Buffer
	zl, err := New(Options{Level: "warn", Format: "json", Writer: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger := Slog(zl)
	logger.Info("dropped")
	logger.Warn("kept")
	logger.Error("kept too")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 || lines[0]["level"] != "warn" || lines[1]["level"] != "error" {
		t.Errorf("lines = %v", lines)
	}
	if logger.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info enabled on a warn logger")
	}
}
