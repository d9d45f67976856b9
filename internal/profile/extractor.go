package profile

import (
	"regexp"
	"strings"
	"unicode"
)

// Candidate is a fact proposed by an extractor, before it is keyed to a
// user and turn.
type Candidate struct {
	Key        string
	Value      string
	Confidence float64
}

// Extractor derives profile facts from a user utterance.
type Extractor interface {
	Extract(text string) []Candidate
}

type pattern struct {
	re         *regexp.Regexp
	confidence float64
}

var (
	namePatterns = []pattern{
		{regexp.MustCompile(`(?i)\bmy name is\s+([a-z][a-z'-]+(?:\s+[a-z][a-z'-]+)?)`), 0.9},
		{regexp.MustCompile(`(?i)\bcall me\s+([a-z][a-z'-]+)`), 0.8},
	}
	locationPatterns = []pattern{
		{regexp.MustCompile(`(?i)\b(?:i live in|i'm based in|i am based in)\s+([a-z]+(?:\s+[a-z]+)?)`), 0.8},
		{regexp.MustCompile(`(?i)\b(?:i'm from|i am from)\s+([a-z]+(?:\s+[a-z]+)?)`), 0.7},
		{regexp.MustCompile(`(?i)\bmy (?:home|city) is\s+([a-z]+)`), 0.7},
	}
	occupationPatterns = []pattern{
		{regexp.MustCompile(`(?i)\b(?:i work as an?|my job is)\s+(.+?)(?:[.,!?]|$)`), 0.8},
		{regexp.MustCompile(`(?i)\b(?:i am an?|i'm an?)\s+(.+?)(?:[.,!?]|$)`), 0.6},
	}
	interestPatterns = []pattern{
		{regexp.MustCompile(`(?i)\b(?:i like|i love|i enjoy|i'm interested in|i am interested in)\s+(.+?)(?:[.!?]|$)`), 0.6},
		{regexp.MustCompile(`(?i)\bmy (?:hobby|hobbies) (?:is|are)\s+(.+?)(?:[.!?]|$)`), 0.7},
	}
	listSplit = regexp.MustCompile(`\s*(?:,|\band\b)\s*`)
	// Words that follow "I am a/an" without naming a job.
	notOccupations = map[string]bool{"bit": true, "little": true, "lot": true, "fan": true, "big": true}
)

// PatternExtractor recognizes name, location, occupation and interests in
// plain first-person statements.
type PatternExtractor struct{}

func (PatternExtractor) Extract(text string) []Candidate {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []Candidate
	if v, c, ok := firstMatch(namePatterns, text); ok {
		out = append(out, Candidate{Key: "name", Value: titleCase(v), Confidence: c})
	}
	if v, c, ok := firstMatch(locationPatterns, text); ok {
		out = append(out, Candidate{Key: "location", Value: titleCase(v), Confidence: c})
	}
	if v, c, ok := firstMatch(occupationPatterns, text); ok {
		v = strings.ToLower(v)
		first, _, _ := strings.Cut(v, " ")
		if len(v) > 2 && !notOccupations[first] {
			out = append(out, Candidate{Key: "occupation", Value: v, Confidence: c})
		}
	}
	for _, p := range interestPatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		for _, item := range listSplit.Split(m[1], -1) {
			item = strings.ToLower(strings.TrimSpace(item))
			if len(item) > 2 {
				out = append(out, Candidate{Key: "interest:" + item, Value: item, Confidence: p.confidence})
			}
		}
	}
	return out
}

func firstMatch(patterns []pattern, text string) (string, float64, bool) {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v, p.confidence, true
			}
		}
	}
	return "", 0, false
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(strings.ToLower(w))
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
