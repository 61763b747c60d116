/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package forge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	"github.com/google/go-github/v84/github"
)

// Forge failures are wrapped in exactly one of these, so callers can decide
// with errors.Is how to recover. The underlying error stays in the chain.
var (
	ErrRateLimited = errors.New("forge rate limit exceeded")
	ErrConnection  = errors.New("forge connection failed")
	ErrAPI         = errors.New("forge request failed")
)

// classify wraps err in its sentinel. Context errors pass through untouched.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrConnection), errors.Is(err, ErrAPI):
		return err
	case isRateLimit(err):
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case isConnection(err):
		return fmt.Errorf("%w: %w", ErrConnection, err)
	default:
		return fmt.Errorf("%w: %w", ErrAPI, err)
	}
}

func isRateLimit(err error) bool {
	var rle *github.RateLimitError
	var ale *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &ale) {
		return true
	}
	// GraphQL reports rate limits as plain query errors.
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

func isConnection(err error) bool {
	var ue *url.Error
	var ne net.Error
	return errors.As(err, &ue) ||
		errors.As(err, &ne) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED)
}

// notSent reports whether err shows the request never reached the server:
// the connection could not be established or the host not resolved. Only
// such failures are safe to retry for requests that create something.
func notSent(err error) bool {
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Op == "dial" {
		return true
	}
	var de *net.DNSError
	return errors.As(err, &de) || errors.Is(err, syscall.ECONNREFUSED)
}
