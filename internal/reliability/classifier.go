package reliability

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// ClassifyHTTPStatus maps an upstream HTTP status onto the taxonomy.
// ok is false for success statuses.
func ClassifyHTTPStatus(code int) (kind Kind, ok bool) {
	switch {
	case code >= 200 && code < 300:
		return "", false
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthentication, true
	case code == http.StatusTooManyRequests:
		return KindRateLimit, true
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return KindTimeout, true
	case code == http.StatusRequestEntityTooLarge:
		return KindInputTooLarge, true
	case code >= 500:
		return KindTransientNetwork, true
	case code >= 400:
		return KindMalformedRequest, true
	default:
		return KindTransientNetwork, true
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	kind, ok := ClassifyHTTPStatus(code)
	return ok && Retryable(kind)
}

// ClassifyTransportError maps a transport-level failure (no HTTP status)
// onto the taxonomy. Deadline expiry is a timeout; everything else that
// reached the network layer is treated as transient.
func ClassifyTransportError(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransientNetwork
}
