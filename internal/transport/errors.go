package transport

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError is returned by a Sender when the destination asked the
// caller to slow down. RetryAfter is zero when the destination did not say
// how long to wait.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// DeliveryError is any other destination-side failure.
type DeliveryError struct {
	Code        int
	Description string
	Message     string
	// Response holds structured response detail when the transport exposes it.
	Response map[string]any
	Err      error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Description != "" && e.Code != 0:
		return fmt.Sprintf("delivery failed: %s (code=%d)", e.Description, e.Code)
	case e.Message != "":
		return "delivery failed: " + e.Message
	case e.Err != nil:
		return "delivery failed: " + e.Err.Error()
	default:
		return "delivery failed"
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// AsRateLimited reports whether err carries a throttling signal.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AsDelivery extracts structured failure detail, if any.
func AsDelivery(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
