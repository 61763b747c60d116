/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry retries forge calls that failed for transient reasons.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Backoff bounds the attempts made by Do.
type Backoff struct {
	// Retries is the number of attempts after the first one. 0 disables retries.
	Retries int
	// Base is the delay before the first retry; it doubles on every retry.
	Base time.Duration
	// Max caps the doubled delay.
	Max time.Duration
	// Jitter is the upper bound of the random delay added to each wait.
	Jitter time.Duration
}

// Default suits interactive forge calls: a flaky network should not stall a
// test cycle for more than a few seconds.
func Default() Backoff {
	return Backoff{
		Retries: 3,
		Base:    500 * time.Millisecond,
		Max:     5 * time.Second,
		Jitter:  250 * time.Millisecond,
	}
}

// Validate rejects negative values.
func (b Backoff) Validate() error {
	if b.Retries < 0 || b.Base < 0 || b.Max < 0 || b.Jitter < 0 {
		return errors.New("backoff values cannot be negative")
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based), without jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt > 30 {
		return b.Max
	}
	return min(b.Base<<attempt, b.Max)
}

func (b Backoff) jitter() time.Duration {
	if b.Jitter <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(b.Jitter)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}

// Do calls fn until it succeeds, returns an error for which transient is
// false, or the retries are used up. The last error is wrapped with op.
func Do[T any](ctx context.Context, b Backoff, op string, transient func(error) bool, fn func() (T, error)) (T, error) {
	var (
		res T
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = fn()
		if err == nil || !transient(err) {
			return res, err
		}
		if attempt >= b.Retries {
			break
		}

		wait := b.Delay(attempt) + b.jitter()
		clog.FromContext(ctx).With("op", op).With("attempt", attempt+1).
			Warnf("Transient failure, retrying in %v: %v", wait, err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}
	return res, fmt.Errorf("%s failed after %d retries: %w", op, b.Retries, err)
}
