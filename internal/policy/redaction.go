package policy

import "regexp"

type rule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise be taken for phone numbers,
// and keys can contain digit runs.
var rules = []rule{
	{regexp.MustCompile(`\b(?:sk|pk|rk|gsk|csk)-[A-Za-z0-9_\-]{16,}\b|\bAIza[0-9A-Za-z_\-]{30,}\b`), "[REDACTED_KEY]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card and phone numbers and API keys before text
// is written to long-term memory.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
