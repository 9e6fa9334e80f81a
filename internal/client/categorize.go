package client

import (
	"context"
	"errors"
	"net"

	"github.com/kjstillabower/weather-proxy/internal/circuitbreaker"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the weatherApiErrorsTotal category label.
const (
	ErrorCategoryTimeout         ErrorCategory = "timeout"
	ErrorCategoryNetwork         ErrorCategory = "network"
	ErrorCategoryCircuitOpen     ErrorCategory = "circuit_open"
	ErrorCategoryAuthFailed      ErrorCategory = "auth_failed"
	ErrorCategoryInvalidLocation ErrorCategory = "invalid_location"
	ErrorCategoryUpstreamStatus  ErrorCategory = "upstream_status"
	ErrorCategoryMalformed       ErrorCategory = "malformed"
	ErrorCategoryUnknown         ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidLocation):
		return ErrorCategoryInvalidLocation
	case errors.Is(err, ErrUpstreamAuthFailed):
		return ErrorCategoryAuthFailed
	case errors.Is(err, ErrUpstreamStatus):
		return ErrorCategoryUpstreamStatus
	case errors.Is(err, ErrUpstreamMalformedResponse):
		return ErrorCategoryMalformed
	case errors.Is(err, circuitbreaker.ErrOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorCategoryTimeout
		}
		return ErrorCategoryNetwork
	}
	if errors.Is(err, ErrUpstreamUnreachable) {
		return ErrorCategoryNetwork
	}
	return ErrorCategoryUnknown
}
