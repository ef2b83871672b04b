// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/agenthub/control-plane/internal/store"
	"github.com/agenthub/control-plane/lib/clock"
)

// defaultReapInterval is how often the reaper scans for stale running
// records. Shorter than HeartbeatStaleAfter so a crashed execution
// stage is reclaimed within roughly one interval of going stale.
const defaultReapInterval = 10 * time.Second

// Reaper periodically reclaims "running" delegation records whose
// heartbeat has gone stale, grounded on the teacher's
// flushTicker/reaperTicker select loop.
type Reaper struct {
	store        *store.Store
	clock        clock.Clock
	logger       *slog.Logger
	reapInterval time.Duration
	staleAfter   time.Duration
}

// NewReaper constructs a Reaper with default intervals.
func NewReaper(st *store.Store, clk clock.Clock, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:        st,
		clock:        clk,
		logger:       logger,
		reapInterval: defaultReapInterval,
		staleAfter:   HeartbeatStaleAfter,
	}
}

// Run starts the reaper's background ticker. Blocks until ctx is
// cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reaper) tick(ctx context.Context) {
	now := r.clock.Now()
	reclaimed, err := r.store.ReclaimStaleRunning(ctx, r.staleAfter, now)
	if err != nil {
		r.logger.ErrorContext(ctx, "lifecycle reaper: reclaim failed", "error", err)
		return
	}
	if len(reclaimed) > 0 {
		r.logger.InfoContext(ctx, "lifecycle reaper: resumed stale running delegations from their last stage", "count", len(reclaimed), "delegation_ids", reclaimed)
	}
}
