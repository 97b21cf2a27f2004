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

func testOrder(userID int, sessionID string) *models.Order {
	intent := "pi_" + sessionID
	return &models.Order{
		UserID:            userID,
		AmountCents:       4900,
		Currency:          "usd",
		Tier:              models.TierProfessional,
		BillingPeriod:     models.BillingPeriodMonthly,
		CheckoutSessionID: sessionID,
		PaymentIntentID:   &intent,
	}
}

func TestOrderRepoCreateCompleted(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewOrderRepo(db)

	user := createTestUser(t, db, "order@example.com")

	stored, err := repo.CreateCompleted(ctx, testOrder(user.ID, "cs_123"))
	require.NoError(t, err)
	assert.NotZero(t, stored.ID)
	assert.Equal(t, models.OrderStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	got, err := repo.GetByCheckoutSessionID(ctx, "cs_123")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, int64(4900), got.AmountCents)
}

func TestOrderRepoCreateCompletedIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewOrderRepo(db)

	user := createTestUser(t, db, "redelivery@example.com")

	_, err := repo.CreateCompleted(ctx, testOrder(user.ID, "cs_once"))
	require.NoError(t, err)

	// Same checkout session delivered again.
	_, err = repo.CreateCompleted(ctx, testOrder(user.ID, "cs_once"))
	assert.ErrorIs(t, err, models.ErrOrderExists)
}

func TestOrderRepoAttachInvoiceURL(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewOrderRepo(db)

	user := createTestUser(t, db, "invoice@example.com")

	stored, err := repo.CreateCompleted(ctx, testOrder(user.ID, "cs_inv"))
	require.NoError(t, err)

	require.NoError(t, repo.AttachInvoiceURL(ctx, *stored.PaymentIntentID, "https://invoices.example.com/inv_1"))

	got, err := repo.GetByID(ctx, stored.ID)
	require.NoError(t, err)
	require.NotNil(t, got.InvoiceURL)
	assert.Equal(t, "https://invoices.example.com/inv_1", *got.InvoiceURL)

	assert.ErrorIs(t, repo.AttachInvoiceURL(ctx, "pi_unknown", "https://invoices.example.com/inv_2"), models.ErrOrderNotFound)
}
