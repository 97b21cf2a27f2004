// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	expiryInterval    = 24 * time.Hour
	retentionInterval = 7 * 24 * time.Hour

	// startupDelay spaces the first run out from process start so restarts
	// don't hammer the store.
	startupDelay = 1 * time.Minute
)

// Scheduler drives the sweeps on their intervals. The cron endpoints call the
// same Sweeper directly; an external cron and the internal ticker coexist
// because every sweep is idempotent.
type Scheduler struct {
	sweeper *Sweeper
	wg      sync.WaitGroup
}

func NewScheduler(sweeper *Sweeper) *Scheduler {
	return &Scheduler{sweeper: sweeper}
}

// Start launches the sweep loops. They stop when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.loop(ctx, "expiry", expiryInterval, func(ctx context.Context) error {
		_, err := s.sweeper.RunExpiry(ctx)
		return err
	})
	go s.loop(ctx, "retention", retentionInterval, func(ctx context.Context) error {
		_, err := s.sweeper.RunRetention(ctx)
		return err
	})
}

// Wait blocks until both loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	defer s.wg.Done()

	initialDelay := time.NewTimer(startupDelay)
	defer initialDelay.Stop()

	select {
	case <-ctx.Done():
		return
	case <-initialDelay.C:
		if err := run(ctx); err != nil {
			log.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := run(ctx); err != nil {
				log.Error().Err(err).Str("sweep", name).Msg("Sweep failed")
			}
		}
	}
}
