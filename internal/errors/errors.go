package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrUnauthorized - caller is not an authenticated user (deny, audit, no internal detail)
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSecurityViolation - input matched the security blocklist (deny, audit)
	ErrSecurityViolation = errors.New("security violation")

	// ErrRateLimited - token bucket empty (deny with retry-after hint, audit)
	ErrRateLimited = errors.New("rate limited")

	// ErrCostLimitExceeded - cumulative spend at or above the configured ceiling (refuse before dispatch)
	ErrCostLimitExceeded = errors.New("cost limit exceeded")

	// ErrSessionBusy - another call is in flight for the same user+workdir key (reject, never queue)
	ErrSessionBusy = errors.New("session busy")

	// ErrToolDenied - backend surfaced a tool call the monitor disallowed (abort call)
	ErrToolDenied = errors.New("tool denied")

	// ErrDuplicateDelivery - webhook delivery already processed (acknowledge, do not reprocess)
	ErrDuplicateDelivery = errors.New("duplicate delivery")

	// ErrTransient - transient backend failure (eligible for one fallback attempt on live calls)
	ErrTransient = errors.New("transient error")

	// ErrInvalidInput - malformed request or payload
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
