package model

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by all proxy components. Callers wrap these with
// fmt.Errorf("...: %w") and the handler maps them to HTTP statuses.
var (
	ErrInvalidTarget   = errors.New("invalid target")
	ErrForbiddenTarget = errors.New("forbidden target")
	// ErrBlockedTarget is a ForbiddenTarget caused by an explicit host denial.
	ErrBlockedTarget = fmt.Errorf("%w: host is blocked", ErrForbiddenTarget)

	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrTooManyRedirects    = fmt.Errorf("%w: too many redirects", ErrUpstreamUnreachable)

	ErrUnsupportedRange = errors.New("unsupported range request")
	ErrRewriteFailure   = errors.New("rewrite failure")

	ErrAuthRequired = errors.New("authentication required")
	ErrAuthInvalid  = errors.New("invalid credentials")

	ErrTunnelClosed = errors.New("tunnel closed")
)
