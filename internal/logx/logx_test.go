package logx

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Info("should be dropped")
	l.Warn("should appear")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info line leaked through warn filter: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestFieldFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)
	l.Info("task loaded", "pid", 3, "app", "shell demo")
	out := buf.String()
	if !strings.Contains(out, "pid=3") {
		t.Fatalf("missing pid field: %q", out)
	}
	if !strings.Contains(out, `app="shell demo"`) {
		t.Fatalf("missing quoted app field: %q", out)
	}
}

func TestWithPrependsContext(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, LevelDebug)
	child := base.With("pid", 7)
	child.Info("svc trap", "module", "MBX")
	out := buf.String()
	if !strings.Contains(out, "pid=7") || !strings.Contains(out, "module=MBX") {
		t.Fatalf("missing context fields: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"bogus": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
