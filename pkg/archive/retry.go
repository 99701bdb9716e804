// telegrab - A Telegram message archiving daemon.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package archive

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RetryPolicy classifies remote errors and drives the retry loop around a
// single remote call. Flood waits sleep for the server-mandated duration
// and retry without limit; transient errors back off exponentially up to
// MaxAttempts; permission errors and unknown errors propagate immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration

	// sleep is swappable in tests. Defaults to a context-aware sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy returns a policy with the given transient budget.
func NewRetryPolicy(maxAttempts int, baseBackoff time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseBackoff: baseBackoff,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, the transient budget is exhausted, a
// non-retryable error occurs, or the context is canceled.
func (rp *RetryPolicy) Do(ctx context.Context, log zerolog.Logger, op string, fn func() error) error {
	sleep := rp.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	transientAttempts := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		var floodWait *FloodWaitError
		if errors.As(err, &floodWait) {
			log.Warn().
				Str("operation", op).
				Dur("retry_after", floodWait.RetryAfter).
				Msg("Flood wait from server, sleeping")
			if err := sleep(ctx, floodWait.RetryAfter); err != nil {
				return err
			}
			continue
		}

		var permission *PermissionError
		if errors.As(err, &permission) {
			return err
		}

		var transient *TransientError
		if errors.As(err, &transient) {
			transientAttempts++
			if transientAttempts >= rp.MaxAttempts {
				log.Err(err).
					Str("operation", op).
					Int("attempts", transientAttempts).
					Msg("Giving up after repeated transient errors")
				return err
			}
			backoff := rp.BaseBackoff << (transientAttempts - 1)
			log.Warn().Err(err).
				Str("operation", op).
				Int("attempt", transientAttempts).
				Dur("backoff", backoff).
				Msg("Transient error, retrying")
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
			continue
		}

		return err
	}
}
