// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"time"

	"github.com/draftbill/portal/internal/dbinterface"
)

// RetentionRepo holds the bulk deletes behind the weekly cleanup sweep. The
// tables it touches (tokens, sessions, download events) are written by the
// excluded auth/analytics collaborators; this repo only reaps them.
type RetentionRepo struct {
	db dbinterface.Querier
}

func NewRetentionRepo(db dbinterface.Querier) *RetentionRepo {
	return &RetentionRepo{db: db}
}

func (r *RetentionRepo) DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_tokens WHERE expires_at < ?`, now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *RetentionRepo) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *RetentionRepo) DeleteOldDownloadEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM download_events WHERE created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
