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
)

type MachineRepo struct {
	db dbinterface.Querier
}

func NewMachineRepo(db dbinterface.Querier) *MachineRepo {
	return &MachineRepo{db: db}
}

const machineColumns = `id, license_id, fingerprint, name, last_seen_at, created_at`

func (r *MachineRepo) GetByFingerprint(ctx context.Context, licenseID int, fingerprint string) (*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE license_id = ? AND fingerprint = ?`
	return scanMachine(r.db.QueryRowContext(ctx, query, licenseID, fingerprint))
}

func (r *MachineRepo) GetByID(ctx context.Context, id int) (*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE id = ?`
	return scanMachine(r.db.QueryRowContext(ctx, query, id))
}

func (r *MachineRepo) GetByLicense(ctx context.Context, licenseID int) ([]*models.Machine, error) {
	query := `SELECT ` + machineColumns + ` FROM machines WHERE license_id = ? ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []*models.Machine
	for rows.Next() {
		machine := &models.Machine{}
		var name sql.Null[string]
		if err := rows.Scan(
			&machine.ID,
			&machine.LicenseID,
			&machine.Fingerprint,
			&name,
			&machine.LastSeenAt,
			&machine.CreatedAt,
		); err != nil {
			return nil, err
		}
		if name.Valid {
			machine.Name = &name.V
		}
		machines = append(machines, machine)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return machines, nil
}

// ActivateWithinLimit inserts a machine only if the license has a free slot.
// The count re-check and the insert run in one write transaction: the DB
// layer serializes write transactions, so two concurrent activations against
// the same license can never both pass the capacity check. The license's
// first activation also stamps activated_at, inside the same transaction.
func (r *MachineRepo) ActivateWithinLimit(ctx context.Context, license *models.License, fingerprint string, name *string) (*models.Machine, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM machines WHERE license_id = ?`, license.ID,
	).Scan(&count)
	if err != nil {
		return nil, err
	}

	if count >= license.MaxMachines {
		return nil, models.ErrMachineLimitReached
	}

	now := time.Now()

	machine := &models.Machine{}
	var storedName sql.Null[string]
	err = tx.QueryRowContext(ctx, `
		INSERT INTO machines (license_id, fingerprint, name, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING `+machineColumns,
		license.ID, fingerprint, name, now, now,
	).Scan(
		&machine.ID,
		&machine.LicenseID,
		&machine.Fingerprint,
		&storedName,
		&machine.LastSeenAt,
		&machine.CreatedAt,
	)
	if err != nil {
		// The (license_id, fingerprint) constraint backstops a race with a
		// concurrent activation of the same device; callers handle it as an
		// idempotent re-activation.
		return nil, err
	}
	if storedName.Valid {
		machine.Name = &storedName.V
	}

	if license.ActivatedAt == nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE licenses SET activated_at = ?, updated_at = ? WHERE id = ? AND activated_at IS NULL`,
			now, now, license.ID,
		); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	log.Info().
		Int("licenseID", license.ID).
		Int("machineID", machine.ID).
		Msg("Machine activated")

	return machine, nil
}

// Touch updates last_seen_at for an idempotent re-activation or heartbeat.
func (r *MachineRepo) Touch(ctx context.Context, machineID int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE machines SET last_seen_at = ? WHERE id = ?`,
		time.Now(), machineID,
	)
	return err
}

// Delete removes an activation slot by id.
func (r *MachineRepo) Delete(ctx context.Context, machineID int) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, machineID)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrMachineNotFound
	}

	return nil
}

// DeleteByFingerprint removes an activation slot by (license, fingerprint).
func (r *MachineRepo) DeleteByFingerprint(ctx context.Context, licenseID int, fingerprint string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM machines WHERE license_id = ? AND fingerprint = ?`,
		licenseID, fingerprint,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrMachineNotFound
	}

	return nil
}

// DeleteInactiveSince purges machines not seen since the cutoff. Used by the
// retention sweep (90 day window).
func (r *MachineRepo) DeleteInactiveSince(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM machines WHERE last_seen_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanMachine(row *sql.Row) (*models.Machine, error) {
	machine := &models.Machine{}
	var name sql.Null[string]

	err := row.Scan(
		&machine.ID,
		&machine.LicenseID,
		&machine.Fingerprint,
		&name,
		&machine.LastSeenAt,
		&machine.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrMachineNotFound
		}
		return nil, err
	}

	if name.Valid {
		machine.Name = &name.V
	}

	return machine, nil
}
