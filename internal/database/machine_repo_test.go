// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftbill/portal/internal/licensekey"
	"github.com/draftbill/portal/internal/models"
)

func storeLicenseWithLimit(t *testing.T, db *DB, userID, maxMachines int) *models.License {
	t.Helper()

	license, err := NewLicenseRepo(db).Store(context.Background(), &models.License{
		Key:         licensekey.Generate(),
		UserID:      userID,
		Tier:        models.TierStarter,
		Status:      models.LicenseStatusActive,
		MaxMachines: maxMachines,
	})
	require.NoError(t, err)
	return license
}

func TestActivateWithinLimitEnforcesCap(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "cap@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 1)

	machine, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "fp-1", machine.Fingerprint)

	_, err = repo.ActivateWithinLimit(ctx, license, "fp-2", nil)
	assert.ErrorIs(t, err, models.ErrMachineLimitReached)

	count, err := NewLicenseRepo(db).CountMachines(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestActivateWithinLimitSetsActivatedAtOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)
	licenses := NewLicenseRepo(db)

	user := createTestUser(t, db, "activated@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 3)

	_, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)

	afterFirst, err := licenses.GetByID(ctx, license.ID)
	require.NoError(t, err)
	require.NotNil(t, afterFirst.ActivatedAt)

	_, err = repo.ActivateWithinLimit(ctx, afterFirst, "fp-2", nil)
	require.NoError(t, err)

	afterSecond, err := licenses.GetByID(ctx, license.ID)
	require.NoError(t, err)
	assert.Equal(t, afterFirst.ActivatedAt.Unix(), afterSecond.ActivatedAt.Unix())
}

func TestActivateWithinLimitDuplicateFingerprint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "dupe-fp@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 3)

	_, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)

	// The unique index backstops races the fingerprint lookup misses; the
	// service resolves this as idempotent success.
	_, err = repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.Error(t, err)
	assert.True(t, IsUniqueConstraintErr(err))
}

func TestMachineRepoDeleteByFingerprint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "delete@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 1)

	_, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)

	require.NoError(t, repo.DeleteByFingerprint(ctx, license.ID, "fp-1"))

	// The slot is free again.
	_, err = repo.ActivateWithinLimit(ctx, license, "fp-2", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, repo.DeleteByFingerprint(ctx, license.ID, "fp-1"), models.ErrMachineNotFound)
}

func TestMachineRepoTouch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "touch@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 1)

	machine, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, repo.Touch(ctx, machine.ID))

	touched, err := repo.GetByID(ctx, machine.ID)
	require.NoError(t, err)
	assert.True(t, touched.LastSeenAt.After(machine.LastSeenAt) || touched.LastSeenAt.Equal(machine.LastSeenAt))
}

func TestMachineRepoDeleteInactiveSince(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "inactive@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 3)

	stale, err := repo.ActivateWithinLimit(ctx, license, "fp-stale", nil)
	require.NoError(t, err)
	fresh, err := repo.ActivateWithinLimit(ctx, license, "fp-fresh", nil)
	require.NoError(t, err)

	// Backdate the stale machine past the retention window.
	_, err = db.ExecContext(ctx,
		`UPDATE machines SET last_seen_at = ? WHERE id = ?`,
		time.Now().Add(-120*24*time.Hour), stale.ID,
	)
	require.NoError(t, err)

	count, err := repo.DeleteInactiveSince(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.GetByID(ctx, stale.ID)
	assert.ErrorIs(t, err, models.ErrMachineNotFound)

	_, err = repo.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestMachinesCascadeWithLicense(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewMachineRepo(db)

	user := createTestUser(t, db, "cascade@example.com")
	license := storeLicenseWithLimit(t, db, user.ID, 1)

	machine, err := repo.ActivateWithinLimit(ctx, license, "fp-1", nil)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM licenses WHERE id = ?`, license.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, machine.ID)
	assert.ErrorIs(t, err, models.ErrMachineNotFound)
}
