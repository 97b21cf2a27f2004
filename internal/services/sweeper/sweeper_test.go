// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sweeper

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/licensekey"
	"github.com/draftbill/portal/internal/models"
)

type recordingMailer struct {
	reminders []int
}

func (m *recordingMailer) SendLicenseKey(_ context.Context, _ *models.User, _ *models.License) error {
	return nil
}

func (m *recordingMailer) SendExpiryReminder(_ context.Context, _ *models.User, _ *models.License, daysLeft int) error {
	m.reminders = append(m.reminders, daysLeft)
	return nil
}

type sweeperEnv struct {
	db       *database.DB
	sweeper  *Sweeper
	licenses *database.LicenseRepo
	machines *database.MachineRepo
	mail     *recordingMailer
	user     *models.User
}

func setupSweeper(t *testing.T) *sweeperEnv {
	t.Helper()

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)

	db, err := database.NewForTest(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	licenses := database.NewLicenseRepo(db)
	machines := database.NewMachineRepo(db)
	retention := database.NewRetentionRepo(db)
	users := database.NewUserRepo(db)
	mail := &recordingMailer{}

	user, err := users.Create(context.Background(), "sweep@example.com", "Sweep Customer")
	require.NoError(t, err)

	return &sweeperEnv{
		db:       db,
		sweeper:  New(licenses, machines, retention, users, mail),
		licenses: licenses,
		machines: machines,
		mail:     mail,
		user:     user,
	}
}

func (e *sweeperEnv) storeLicense(t *testing.T, status string, expiresAt *time.Time) *models.License {
	t.Helper()

	license, err := e.licenses.Store(context.Background(), &models.License{
		Key:         licensekey.Generate(),
		UserID:      e.user.ID,
		Tier:        models.TierProfessional,
		Status:      status,
		MaxMachines: 3,
		ExpiresAt:   expiresAt,
	})
	require.NoError(t, err)
	return license
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func TestRunExpiryFlipsOverdueAndRemindsDisjointBuckets(t *testing.T) {
	env := setupSweeper(t)
	ctx := context.Background()
	now := time.Now()

	overdue := env.storeLicense(t, models.LicenseStatusActive, timePtr(now.Add(-time.Hour)))
	env.storeLicense(t, models.LicenseStatusActive, timePtr(now.Add(3*24*time.Hour)))
	env.storeLicense(t, models.LicenseStatusActive, timePtr(now.Add(20*24*time.Hour)))
	env.storeLicense(t, models.LicenseStatusActive, timePtr(now.Add(90*24*time.Hour)))

	result, err := env.sweeper.RunExpiry(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Expired)
	assert.Equal(t, 1, result.DueWithin7Days)
	assert.Equal(t, 1, result.DueWithin30Days)

	got, err := env.licenses.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LicenseStatusExpired, got.Status)

	// One reminder per license in a window, none double-counted.
	assert.Len(t, env.mail.reminders, 2)
}

func TestRunExpiryIsIdempotent(t *testing.T) {
	env := setupSweeper(t)
	ctx := context.Background()

	env.storeLicense(t, models.LicenseStatusActive, timePtr(time.Now().Add(-time.Hour)))

	first, err := env.sweeper.RunExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Expired)

	second, err := env.sweeper.RunExpiry(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Expired)
}

func TestRunRetentionPurgesStaleRows(t *testing.T) {
	env := setupSweeper(t)
	ctx := context.Background()
	now := time.Now()

	license := env.storeLicense(t, models.LicenseStatusActive, timePtr(now.Add(time.Hour)))

	stale, err := env.machines.ActivateWithinLimit(ctx, license, "fp-stale", nil)
	require.NoError(t, err)
	_, err = env.machines.ActivateWithinLimit(ctx, license, "fp-fresh", nil)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx,
		`UPDATE machines SET last_seen_at = ? WHERE id = ?`,
		now.Add(-MachineRetention-24*time.Hour), stale.ID,
	)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (user_id, kind, token, expires_at) VALUES (?, 'password_reset', 'tok-old', ?), (?, 'password_reset', 'tok-live', ?)`,
		env.user.ID, now.Add(-time.Hour), env.user.ID, now.Add(time.Hour),
	)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, expires_at) VALUES ('sess-old', ?, ?)`,
		env.user.ID, now.Add(-time.Minute),
	)
	require.NoError(t, err)

	_, err = env.db.ExecContext(ctx,
		`INSERT INTO download_events (user_id, platform, version, created_at) VALUES (?, 'windows', '2.1.0', ?)`,
		env.user.ID, now.Add(-DownloadEventRetention-24*time.Hour),
	)
	require.NoError(t, err)

	result, err := env.sweeper.RunRetention(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.AuthTokens)
	assert.Equal(t, int64(1), result.Sessions)
	assert.Equal(t, int64(1), result.DownloadEvents)
	assert.Equal(t, int64(1), result.Machines)

	_, err = env.machines.GetByID(ctx, stale.ID)
	assert.ErrorIs(t, err, models.ErrMachineNotFound)

	// Second run has nothing left.
	again, err := env.sweeper.RunRetention(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.AuthTokens+again.Sessions+again.DownloadEvents+again.Machines)
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	env := setupSweeper(t)

	scheduler := NewScheduler(env.sweeper)
	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
