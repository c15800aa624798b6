package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input  string
		expect string
	}{
		{input: "", expect: ""},
		{input: "short", expect: "***"},
		{input: "eyJhbGciOiJIUzI1NiJ9.payload", expect: "eyJhbGci..."},
	}
	for _, tc := range cases {
		if got := Redact(tc.input); got != tc.expect {
			t.Fatalf("Redact(%q) = %q, expected %q", tc.input, got, tc.expect)
		}
	}
}

func TestNewJSONRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Options{Level: "warn", Format: "json", Out: &buf})
	log.Info().Msg("hidden")
	log.Warn().Str("component", "live").Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level, got %q", out)
	}
	if !strings.Contains(out, `"component":"live"`) || !strings.Contains(out, `"message":"shown"`) {
		t.Fatalf("warn line missing fields: %q", out)
	}
}
