package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/antoniostano/atom/internal/reliability"
)

var (
	refused  = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	deadline = fmt.Errorf("post: %w", context.DeadlineExceeded)
)

func assertKind(t *testing.T, name string, err error, want reliability.Kind) {
	t.Helper()
	var rerr *reliability.Error
	if !errors.As(err, &rerr) {
		t.Fatalf("%s: %v is not classified", name, err)
	}
	if rerr.Kind != want {
		t.Fatalf("%s: kind = %s, want %s", name, rerr.Kind, want)
	}
}

func TestClassifyOpenAIError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want reliability.Kind
	}{
		{"401", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}, reliability.KindAuthentication},
		{"429", &openai.APIError{HTTPStatusCode: http.StatusTooManyRequests}, reliability.KindRateLimit},
		{"400", &openai.APIError{HTTPStatusCode: http.StatusBadRequest}, reliability.KindMalformedRequest},
		{"503", &openai.RequestError{HTTPStatusCode: http.StatusServiceUnavailable, Err: errors.New("overloaded")}, reliability.KindTransientNetwork},
		{"429 request", &openai.RequestError{HTTPStatusCode: http.StatusTooManyRequests, Err: errors.New("slow down")}, reliability.KindRateLimit},
		{"transport", refused, reliability.KindTransientNetwork},
		{"deadline", deadline, reliability.KindTimeout},
	}
	for _, tc := range cases {
		assertKind(t, tc.name, classifyOpenAIError("openai", tc.err), tc.want)
	}
}

func TestClassifyAnthropicError(t *testing.T) {
	apiErr := func(code int) error {
		return &anthropic.Error{
			StatusCode: code,
			Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
			Response:   &http.Response{StatusCode: code},
		}
	}
	cases := []struct {
		name string
		err  error
		want reliability.Kind
	}{
		{"401", apiErr(http.StatusUnauthorized), reliability.KindAuthentication},
		{"429", apiErr(http.StatusTooManyRequests), reliability.KindRateLimit},
		{"400", apiErr(http.StatusBadRequest), reliability.KindMalformedRequest},
		{"503", apiErr(http.StatusServiceUnavailable), reliability.KindTransientNetwork},
		{"wrapped", fmt.Errorf("messages: %w", apiErr(http.StatusTooManyRequests)), reliability.KindRateLimit},
		{"transport", refused, reliability.KindTransientNetwork},
		{"deadline", deadline, reliability.KindTimeout},
	}
	for _, tc := range cases {
		assertKind(t, tc.name, classifyAnthropicError("anthropic", tc.err), tc.want)
	}
}

func TestClassifyGeminiError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want reliability.Kind
	}{
		{"401", &googleapi.Error{Code: http.StatusUnauthorized}, reliability.KindAuthentication},
		{"429", &googleapi.Error{Code: http.StatusTooManyRequests}, reliability.KindRateLimit},
		{"400", &googleapi.Error{Code: http.StatusBadRequest}, reliability.KindMalformedRequest},
		{"503", &googleapi.Error{Code: http.StatusServiceUnavailable}, reliability.KindTransientNetwork},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "no key"), reliability.KindAuthentication},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), reliability.KindRateLimit},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), reliability.KindMalformedRequest},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), reliability.KindTransientNetwork},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), reliability.KindTimeout},
		{"transport", refused, reliability.KindTransientNetwork},
		{"deadline", deadline, reliability.KindTimeout},
	}
	for _, tc := range cases {
		assertKind(t, tc.name, classifyGeminiError("gemini", tc.err), tc.want)
	}
}
