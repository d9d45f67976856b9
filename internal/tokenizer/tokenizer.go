package tokenizer

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates how many model tokens a text occupies.
type Counter interface {
	Count(text string) int
}

// Heuristic approximates BPE tokenizers at roughly four characters per token.
// It never under-counts a non-empty text as zero.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	n := (utf8.RuneCountInString(text) + 3) / 4
	if words := len(strings.Fields(text)); words > n {
		n = words
	}
	if n == 0 {
		n = 1
	}
	return n
}

// BPE counts tokens with a tiktoken encoding.
type BPE struct {
	enc *tiktoken.Tiktoken
}

func (b *BPE) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(b.enc.Encode(text, nil, nil))
}

// New returns a BPE counter for encoding, or the heuristic when encoding is
// empty/"heuristic" or the encoding tables cannot be loaded.
func New(encoding string, logger *slog.Logger) Counter {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" || strings.EqualFold(encoding, "heuristic") {
		return Heuristic{}
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		if logger != nil {
			logger.Warn("tokenizer encoding unavailable, using heuristic", "encoding", encoding, "error", err)
		}
		return Heuristic{}
	}
	return &BPE{enc: enc}
}
