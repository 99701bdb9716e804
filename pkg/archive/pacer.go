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
	"sync"
	"time"
)

// Pacer enforces a minimum interval between remote requests. One instance
// is shared by the scheduler dispatch loop and backfill page fetches, so
// all pull-style traffic goes through a single rate gate. Live updates are
// pushed by the server and do not pass through the pacer.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time

	// now and sleep are swappable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer returns a pacer allowing requestsPerSecond requests per second.
// Zero or negative disables pacing.
func NewPacer(requestsPerSecond float64) *Pacer {
	p := &Pacer{
		now:   time.Now,
		sleep: sleepCtx,
	}
	p.SetRate(requestsPerSecond)
	return p
}

// SetRate updates the pacing rate. Safe to call while Wait is in use; the
// new interval applies from the next Wait.
func (p *Pacer) SetRate(requestsPerSecond float64) {
	var interval time.Duration
	if requestsPerSecond > 0 {
		interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	p.mu.Lock()
	p.interval = interval
	p.mu.Unlock()
}

// Wait blocks until the minimum interval since the previous dispatch has
// elapsed, then records the dispatch time.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	interval := p.interval
	elapsed := p.now().Sub(p.last)
	if interval <= 0 || elapsed >= interval {
		p.last = p.now()
		p.mu.Unlock()
		return nil
	}
	wait := interval - elapsed
	p.mu.Unlock()

	if err := p.sleep(ctx, wait); err != nil {
		return err
	}

	p.mu.Lock()
	p.last = p.now()
	p.mu.Unlock()
	return nil
}
