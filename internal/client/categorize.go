package client

import (
	"context"
	"errors"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as the upstreamErrorsTotal category label.
const (
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryCanceled       ErrorCategory = "canceled"
	ErrorCategoryNetwork        ErrorCategory = "network"
	ErrorCategoryUpstreamStatus ErrorCategory = "upstream_status"
	ErrorCategoryCircuitOpen    ErrorCategory = "circuit_open"
	ErrorCategoryReadBody       ErrorCategory = "read_body"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// CategorizeError maps a Fetch error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorCategoryCircuitOpen
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	case errors.Is(err, ErrUpstreamStatus):
		return ErrorCategoryUpstreamStatus
	}

	errStr := err.Error()
	if strings.Contains(errStr, "read response body") || strings.Contains(errStr, "decode response charset") {
		return ErrorCategoryReadBody
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "http request failed") {
		return ErrorCategoryNetwork
	}
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	return ErrorCategoryUnknown
}
