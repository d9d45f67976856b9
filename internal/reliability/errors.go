package reliability

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the failure taxonomy shared by providers, the assembler and memory.
type Kind string

const (
	KindAuthentication   Kind = "authentication"
	KindRateLimit        Kind = "rate_limit"
	KindTimeout          Kind = "timeout"
	KindTransientNetwork Kind = "transient_network"
	KindInputTooLarge    Kind = "input_too_large"
	KindContextOverflow  Kind = "context_overflow"
	KindMalformedRequest Kind = "malformed_request"
	KindExhausted        Kind = "all_providers_exhausted"
	KindEmbeddingFailure Kind = "embedding_failure"
)

// Sentinels for errors.Is matching against a classified *Error.
var (
	ErrAuthentication   = errors.New("authentication failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrTimeout          = errors.New("timed out")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrInputTooLarge    = errors.New("input too large")
	ErrContextOverflow  = errors.New("context overflow")
	ErrMalformedRequest = errors.New("malformed request")
	ErrExhausted        = errors.New("all providers exhausted")
	ErrEmbedding        = errors.New("embedding failed")
)

var sentinels = map[Kind]error{
	KindAuthentication:   ErrAuthentication,
	KindRateLimit:        ErrRateLimited,
	KindTimeout:          ErrTimeout,
	KindTransientNetwork: ErrTransientNetwork,
	KindInputTooLarge:    ErrInputTooLarge,
	KindContextOverflow:  ErrContextOverflow,
	KindMalformedRequest: ErrMalformedRequest,
	KindExhausted:        ErrExhausted,
	KindEmbeddingFailure: ErrEmbedding,
}

// Error is a classified failure. Source names the provider or component.
type Error struct {
	Kind   Kind
	Source string
	Err    error
}

func New(kind Kind, source string, err error) *Error {
	return &Error{Kind: kind, Source: source, Err: err}
}

func Errorf(kind Kind, source, format string, args ...any) *Error {
	return &Error{Kind: kind, Source: source, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Source, e.Kind)
	}
	if e.Source == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether a failure of this kind should only count toward
// the circuit threshold rather than open it outright.
func Retryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindTimeout, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// IsContextDone reports whether err is the caller's own cancellation or deadline.
func IsContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
