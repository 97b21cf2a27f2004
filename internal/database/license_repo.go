// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/dbinterface"
	"github.com/draftbill/portal/internal/models"
	"github.com/draftbill/portal/pkg/redact"
)

type LicenseRepo struct {
	db dbinterface.Querier
}

func NewLicenseRepo(db dbinterface.Querier) *LicenseRepo {
	return &LicenseRepo{db: db}
}

const licenseColumns = `id, key, user_id, tier, status, max_machines,
	invoices_per_month, expires_at, activated_at, order_id, created_at, updated_at`

// Store persists a freshly issued license. A key collision maps to
// ErrDuplicateLicenseKey so the service can regenerate and retry.
func (r *LicenseRepo) Store(ctx context.Context, license *models.License) (*models.License, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `
		INSERT INTO licenses (key, user_id, tier, status, max_machines,
			invoices_per_month, expires_at, order_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + licenseColumns

	stored, err := scanLicense(tx.QueryRowContext(ctx, query,
		license.Key,
		license.UserID,
		license.Tier,
		license.Status,
		license.MaxMachines,
		license.InvoicesPerMonth,
		timeToNullTime(license.ExpiresAt),
		license.OrderID,
		now,
		now,
	))
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return nil, models.ErrDuplicateLicenseKey
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Str("licenseKey", redact.LicenseKey(stored.Key)).
		Str("tier", stored.Tier).
		Int("userID", stored.UserID).
		Msg("License stored")

	return stored, nil
}

func (r *LicenseRepo) GetByKey(ctx context.Context, key string) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE key = ?`
	return scanLicense(r.db.QueryRowContext(ctx, query, key))
}

func (r *LicenseRepo) GetByID(ctx context.Context, id int) (*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(r.db.QueryRowContext(ctx, query, id))
}

// GetByUser returns all of a user's licenses, newest first, with their
// machines attached.
func (r *LicenseRepo) GetByUser(ctx context.Context, userID int) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE user_id = ? ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	licenses, err := collectLicenses(rows)
	if err != nil {
		return nil, err
	}

	machineRepo := NewMachineRepo(r.db)
	for _, license := range licenses {
		machines, err := machineRepo.GetByLicense(ctx, license.ID)
		if err != nil {
			return nil, err
		}
		license.Machines = machines
	}

	return licenses, nil
}

// CountMachines returns the number of activation slots currently consumed.
func (r *LicenseRepo) CountMachines(ctx context.Context, licenseID int) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machines WHERE license_id = ?`, licenseID,
	).Scan(&count)
	return count, err
}

// UpdateStatus sets the license status. Used by the admin CLI (REVOKED) and
// by billing-driven transitions.
func (r *LicenseRepo) UpdateStatus(ctx context.Context, licenseID int, status string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now(), licenseID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrLicenseNotFound
	}

	return nil
}

// ExtendActiveForUser moves expires_at of every ACTIVE license owned by the
// user to the given instant. Returns the number of licenses touched.
func (r *LicenseRepo) ExtendActiveForUser(ctx context.Context, userID int, expiresAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET expires_at = ?, updated_at = ? WHERE user_id = ? AND status = ?`,
		expiresAt, time.Now(), userID, models.LicenseStatusActive,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ExpireActiveForUser transitions every ACTIVE license owned by the user to
// EXPIRED. Already-expired and revoked licenses are untouched.
func (r *LicenseRepo) ExpireActiveForUser(ctx context.Context, userID int) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE licenses SET status = ?, updated_at = ? WHERE user_id = ? AND status = ?`,
		models.LicenseStatusExpired, time.Now(), userID, models.LicenseStatusActive,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// MarkOverdueExpired bulk-updates every TRIAL or ACTIVE license whose expiry
// is in the past. Idempotent: a second run with no time elapsed matches
// nothing.
func (r *LicenseRepo) MarkOverdueExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE licenses
		SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at < ?`,
		models.LicenseStatusExpired, now,
		models.LicenseStatusTrial, models.LicenseStatusActive,
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListExpiringBetween returns ACTIVE licenses whose expiry falls inside
// (from, to]. Buckets for reminder mail are built from disjoint windows.
func (r *LicenseRepo) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + `
		FROM licenses
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
		ORDER BY expires_at ASC`

	rows, err := r.db.QueryContext(ctx, query, models.LicenseStatusActive, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLicenses(rows)
}

func collectLicenses(rows *sql.Rows) ([]*models.License, error) {
	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicenseRow(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, license)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return licenses, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row *sql.Row) (*models.License, error) {
	license, err := scanLicenseRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrLicenseNotFound
		}
		return nil, err
	}
	return license, nil
}

func scanLicenseRow(row rowScanner) (*models.License, error) {
	license := &models.License{}
	var invoicesPerMonth sql.Null[int]
	var orderID sql.Null[int]
	var expiresAt, activatedAt sql.NullTime

	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.UserID,
		&license.Tier,
		&license.Status,
		&license.MaxMachines,
		&invoicesPerMonth,
		&expiresAt,
		&activatedAt,
		&orderID,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if invoicesPerMonth.Valid {
		license.InvoicesPerMonth = &invoicesPerMonth.V
	}
	if orderID.Valid {
		license.OrderID = &orderID.V
	}
	if expiresAt.Valid {
		license.ExpiresAt = &expiresAt.Time
	}
	if activatedAt.Valid {
		license.ActivatedAt = &activatedAt.Time
	}

	return license, nil
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
