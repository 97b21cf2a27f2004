// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftbill/portal/internal/models"
)

func TestUserRepoCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepo(db)

	user, err := repo.Create(ctx, "ada@example.com", "Ada")
	require.NoError(t, err)
	assert.NotZero(t, user.ID)

	got, err := repo.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)

	_, err = repo.GetByID(ctx, 99999)
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestUserRepoEmailIsCaseInsensitive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepo(db)

	created, err := repo.Create(ctx, "Mixed@Example.com", "Mixed")
	require.NoError(t, err)

	got, err := repo.GetByEmail(ctx, "mixed@example.COM")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	_, err = repo.Create(ctx, "MIXED@EXAMPLE.COM", "Shouty")
	assert.ErrorIs(t, err, models.ErrUserAlreadyExists)
}

func TestUserRepoFindOrCreateByEmail(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewUserRepo(db)

	first, err := repo.FindOrCreateByEmail(ctx, "new@example.com", "New Customer")
	require.NoError(t, err)

	second, err := repo.FindOrCreateByEmail(ctx, "new@example.com", "Different Name")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "New Customer", second.Name)
}
