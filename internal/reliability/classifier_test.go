package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want Kind
	}{
		{401, KindAuthentication},
		{403, KindAuthentication},
		{413, KindInputTooLarge},
		{422, KindMalformedRequest},
		{429, KindRateLimit},
		{502, KindTransientNetwork},
		{504, KindTimeout},
	}
	for _, tc := range cases {
		got, ok := ClassifyHTTPStatus(tc.code)
		if !ok || got != tc.want {
			t.Fatalf("ClassifyHTTPStatus(%d) = %q, %v; want %q", tc.code, got, ok, tc.want)
		}
	}
	if _, ok := ClassifyHTTPStatus(204); ok {
		t.Fatalf("ClassifyHTTPStatus(204) should not classify success")
	}
}

func TestClassifyTransportErrorDeadline(t *testing.T) {
	err := fmt.Errorf("send request: %w", context.DeadlineExceeded)
	if got := ClassifyTransportError(err); got != KindTimeout {
		t.Fatalf("ClassifyTransportError() = %q, want %q", got, KindTimeout)
	}
	if got := ClassifyTransportError(errors.New("connection reset")); got != KindTransientNetwork {
		t.Fatalf("ClassifyTransportError() = %q, want %q", got, KindTransientNetwork)
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(KindRateLimit, "groq", errors.New("429")))
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("errors.Is(err, ErrRateLimited) = false")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("rate limit error should not match ErrTimeout")
	}
	kind, ok := KindOf(err)
	if !ok || kind != KindRateLimit {
		t.Fatalf("KindOf() = %q, %v", kind, ok)
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{KindRateLimit, KindTimeout, KindTransientNetwork} {
		if !Retryable(k) {
			t.Fatalf("Retryable(%q) = false", k)
		}
	}
	for _, k := range []Kind{KindAuthentication, KindMalformedRequest, KindInputTooLarge} {
		if Retryable(k) {
			t.Fatalf("Retryable(%q) = true", k)
		}
	}
}
