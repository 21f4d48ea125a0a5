package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies provider failures. The cache service switches
// providers only on retryable kinds (quota, rate limit, network).
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindQuotaExhausted
	KindRateLimit
	KindNetwork
	KindAuth
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// Error is the structured error every adapter surfaces.
type Error struct {
	Kind     ErrorKind
	Provider string
	Op       string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with provider context and a classified kind.
func NewError(provider, op string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err, classifying by message when the
// error is not a *kv.Error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOther
	}
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return classifyMessage(err)
}

// IsRetryable reports whether the error should count toward the
// fail-over budget.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindQuotaExhausted, KindRateLimit, KindNetwork:
		return true
	}
	return false
}

// classifyMessage maps transport-level and message-level signals onto a
// kind. The string set matches what the upstream providers actually emit.
func classifyMessage(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "free usage limit"),
		strings.Contains(msg, "quota"):
		return KindQuotaExhausted
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "network"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "fetch failed"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"):
		return KindNetwork
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "authentication"):
		return KindAuth
	case strings.Contains(msg, "not found"):
		return KindNotFound
	}
	return KindOther
}

// ClassifyStatus maps an HTTP status code onto an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 404:
		return KindNotFound
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimit
	case status == 402 || status == 413:
		return KindQuotaExhausted
	case status >= 500:
		return KindNetwork
	}
	return KindOther
}
