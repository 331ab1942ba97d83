package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Warn", WARN},
		{"error", ERROR},
		{"", INFO},
		{"verbose", INFO},
	}
	for _, tt := range tests {
		if got := ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("WARN", &buf)

	l.Debug("{logger_test - Filter} hidden debug")
	l.Info("{logger_test - Filter} hidden info")
	l.Warn("{logger_test - Filter} shown %d", 1)
	l.Error("{logger_test - Filter} shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("messages below WARN were written: %q", out)
	}
	if !strings.Contains(out, "[WARN] {logger_test - Filter} shown 1") {
		t.Errorf("missing warn line in %q", out)
	}
	if !strings.Contains(out, "[ERROR] {logger_test - Filter} shown 2") {
		t.Errorf("missing error line in %q", out)
	}
}

func TestSetLevelRoundTrip(t *testing.T) {
	l := New("info", nil)
	for _, lvl := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		l.SetLevel(lvl)
		if got := l.GetLevel(); got != lvl {
			t.Errorf("GetLevel() = %q after SetLevel(%q)", got, lvl)
		}
	}
}
