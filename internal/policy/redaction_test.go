package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIKeys(t *testing.T) {
	out, changed := RedactPII("my key is sk-abcdefghijklmnopqrstuvwx ok")
	if !changed || out != "my key is [REDACTED_KEY] ok" {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	in := "I live in Turin and I like chess."
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}
