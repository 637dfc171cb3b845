// Package pricefeed provides PriceSource implementations backed by
// upstream market data feeds.
//
// Sources are layered: a Fetcher talks to one feed and returns errors,
// Resilient wraps a Fetcher with retries and a circuit breaker and turns
// every failure into an unknown price, and Cache puts Redis in front of any
// source.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/shopspring/decimal"
)

var (
	ErrPriceNotFound = errors.New("price not found in feed response")
	ErrNoTicker      = errors.New("no recent ticker for symbol")
)

// Fetcher retrieves a USD price for a symbol from a single feed.
type Fetcher interface {
	Name() string
	FetchPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StatusError is returned for non-2xx feed responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("feed returned HTTP %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("feed returned HTTP %d", e.Code)
}

// IsTransient reports whether err is worth retrying: transport failures,
// server errors, and rate limiting.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	if errors.Is(err, ErrPriceNotFound) || errors.Is(err, ErrNoTicker) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
