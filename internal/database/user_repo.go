// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/draftbill/portal/internal/dbinterface"
	"github.com/draftbill/portal/internal/models"
)

type UserRepo struct {
	db dbinterface.Querier
}

func NewUserRepo(db dbinterface.Querier) *UserRepo {
	return &UserRepo{db: db}
}

func (r *UserRepo) GetByID(ctx context.Context, id int) (*models.User, error) {
	query := `
		SELECT id, email, name, company, created_at, updated_at
		FROM users
		WHERE id = ?
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, id))
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `
		SELECT id, email, name, company, created_at, updated_at
		FROM users
		WHERE email = ?
	`
	return r.scanOne(r.db.QueryRowContext(ctx, query, email))
}

// Create inserts a new user. A duplicate email maps to ErrUserAlreadyExists.
func (r *UserRepo) Create(ctx context.Context, email, name string) (*models.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `
		INSERT INTO users (email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		RETURNING id, email, name, company, created_at, updated_at
	`

	user, err := r.scanOne(tx.QueryRowContext(ctx, query, email, name, now, now))
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return nil, models.ErrUserAlreadyExists
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return user, nil
}

// FindOrCreateByEmail resolves a customer for a billing event. The lookup
// races with concurrent webhook deliveries for the same email, so a create
// that loses to the unique constraint falls back to the existing row.
func (r *UserRepo) FindOrCreateByEmail(ctx context.Context, email, name string) (*models.User, error) {
	user, err := r.GetByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	user, err = r.Create(ctx, email, name)
	if errors.Is(err, models.ErrUserAlreadyExists) {
		return r.GetByEmail(ctx, email)
	}
	return user, err
}

func (r *UserRepo) scanOne(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	var company sql.Null[string]

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&company,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrUserNotFound
		}
		return nil, err
	}

	if company.Valid {
		user.Company = &company.V
	}

	return user, nil
}
