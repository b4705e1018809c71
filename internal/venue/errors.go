package venue

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sony/gobreaker"
)

// Venue error taxonomy. Callers branch on these sentinels rather than on
// status codes or message text.
var (
	// ErrRateLimited: the venue throttled the request. Retryable after backoff.
	ErrRateLimited = errors.New("venue: rate limited")

	// ErrRejected: the venue refused the order (bad price, closed market, auth).
	// Not retryable as-is.
	ErrRejected = errors.New("venue: order rejected")

	// ErrInsufficientLiquidity: the book cannot fill the requested size.
	ErrInsufficientLiquidity = errors.New("venue: insufficient liquidity")

	// ErrTimeout: the call exceeded its deadline. The order state is unknown.
	ErrTimeout = errors.New("venue: request timed out")

	// ErrUnavailable: transport failure or open circuit breaker.
	ErrUnavailable = errors.New("venue: unavailable")
)

// categorize maps a transport error or HTTP status to a taxonomy sentinel.
func categorize(err error, status int) error {
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrUnavailable
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout
		}
		return ErrUnavailable
	}
	switch {
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrRejected
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrRejected
	case status >= 500:
		return ErrUnavailable
	}
	return nil
}
