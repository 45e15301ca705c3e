package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrThrottled is returned by callers that need to surface a throttled
// result through an error return
var ErrThrottled = errors.New("rate limited by provider")

// JSON-RPC codes providers use for request budget exhaustion
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeRateLimited   = -32029
)

// StatusError is a non-2xx response from an HTTP provider
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: http status %d: %s", e.Provider, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: http status %d", e.Provider, e.StatusCode)
}

var throttleMessageTokens = []string{
	"rate limit",
	"too many requests",
	"max rate limit reached",
	"max calls per sec",
	"http status 429",
	"429 too many",
}

// IsThrottle reports whether err is a provider rate-limit response
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrThrottled) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if code == rpcCodeLimitExceeded || code == rpcCodeRateLimited {
			return true
		}
	}

	lower := strings.ToLower(err.Error())
	for _, token := range throttleMessageTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// IsTimeout is a Classifier marking timeouts as retryable
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out")
}
