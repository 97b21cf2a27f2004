// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package sweeper holds the scheduled reconciliation jobs: the daily expiry
// sweep and the weekly retention sweep. Both are idempotent and safe to run
// concurrently with in-flight activations; read-time validation re-checks
// expiry independently, so the sweep never needs to win a race.
package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/mailer"
	"github.com/draftbill/portal/internal/models"
)

// MachineRetention is how long an unseen machine keeps its slot.
const MachineRetention = 90 * 24 * time.Hour

// DownloadEventRetention matches the machine window.
const DownloadEventRetention = 90 * 24 * time.Hour

type Sweeper struct {
	licenses  *database.LicenseRepo
	machines  *database.MachineRepo
	retention *database.RetentionRepo
	users     *database.UserRepo
	mail      mailer.Mailer
}

func New(licenses *database.LicenseRepo, machines *database.MachineRepo, retention *database.RetentionRepo, users *database.UserRepo, mail mailer.Mailer) *Sweeper {
	return &Sweeper{
		licenses:  licenses,
		machines:  machines,
		retention: retention,
		users:     users,
		mail:      mail,
	}
}

// ExpiryResult reports one expiry sweep run.
type ExpiryResult struct {
	Expired         int64 `json:"expired"`
	DueWithin7Days  int   `json:"dueWithin7Days"`
	DueWithin30Days int   `json:"dueWithin30Days"`
}

// RunExpiry flips overdue licenses to EXPIRED and computes the reminder
// buckets: expiring within 7 days, and within 8–30 days (disjoint windows).
func (s *Sweeper) RunExpiry(ctx context.Context) (*ExpiryResult, error) {
	runID := uuid.NewString()
	now := time.Now()
	logger := log.With().Str("sweep", "expiry").Str("runID", runID).Logger()

	expired, err := s.licenses.MarkOverdueExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	soon, err := s.licenses.ListExpiringBetween(ctx, now, now.Add(7*24*time.Hour))
	if err != nil {
		return nil, err
	}
	later, err := s.licenses.ListExpiringBetween(ctx, now.Add(7*24*time.Hour), now.Add(30*24*time.Hour))
	if err != nil {
		return nil, err
	}

	for _, bucket := range [][]*models.License{soon, later} {
		for _, license := range bucket {
			s.sendReminder(ctx, logger, license, now)
		}
	}

	result := &ExpiryResult{
		Expired:         expired,
		DueWithin7Days:  len(soon),
		DueWithin30Days: len(later),
	}

	logger.Info().
		Int64("expired", result.Expired).
		Int("dueWithin7Days", result.DueWithin7Days).
		Int("dueWithin30Days", result.DueWithin30Days).
		Msg("Expiry sweep complete")

	return result, nil
}

func (s *Sweeper) sendReminder(ctx context.Context, logger zerolog.Logger, license *models.License, now time.Time) {
	owner, err := s.users.GetByID(ctx, license.UserID)
	if err != nil {
		logger.Error().Err(err).Int("licenseID", license.ID).Msg("Failed to resolve license owner for reminder")
		return
	}

	daysLeft := int(license.ExpiresAt.Sub(now).Hours() / 24)
	if err := s.mail.SendExpiryReminder(ctx, owner, license, daysLeft); err != nil {
		logger.Error().Err(err).Int("licenseID", license.ID).Msg("Failed to send expiry reminder")
	}
}

// RetentionResult reports per-category delete counts of one cleanup run.
type RetentionResult struct {
	AuthTokens     int64 `json:"authTokens"`
	Sessions       int64 `json:"sessions"`
	DownloadEvents int64 `json:"downloadEvents"`
	Machines       int64 `json:"machines"`
}

// RunRetention purges expired tokens and sessions, stale download events,
// and machines unseen for the retention window.
func (s *Sweeper) RunRetention(ctx context.Context) (*RetentionResult, error) {
	runID := uuid.NewString()
	now := time.Now()
	result := &RetentionResult{}

	var err error
	if result.AuthTokens, err = s.retention.DeleteExpiredAuthTokens(ctx, now); err != nil {
		return nil, err
	}
	if result.Sessions, err = s.retention.DeleteExpiredSessions(ctx, now); err != nil {
		return nil, err
	}
	if result.DownloadEvents, err = s.retention.DeleteOldDownloadEvents(ctx, now.Add(-DownloadEventRetention)); err != nil {
		return nil, err
	}
	if result.Machines, err = s.machines.DeleteInactiveSince(ctx, now.Add(-MachineRetention)); err != nil {
		return nil, err
	}

	log.Info().
		Str("sweep", "retention").
		Str("runID", runID).
		Int64("authTokens", result.AuthTokens).
		Int64("sessions", result.Sessions).
		Int64("downloadEvents", result.DownloadEvents).
		Int64("machines", result.Machines).
		Msg("Retention sweep complete")

	return result, nil
}
