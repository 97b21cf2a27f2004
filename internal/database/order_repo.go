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

type OrderRepo struct {
	db dbinterface.Querier
}

func NewOrderRepo(db dbinterface.Querier) *OrderRepo {
	return &OrderRepo{db: db}
}

const orderColumns = `id, user_id, amount_cents, currency, tier, billing_period,
	checkout_session_id, payment_intent_id, invoice_url, status, completed_at, created_at`

// CreateCompleted records a completed purchase. The checkout session id is
// the idempotency key: a redelivered webhook maps to ErrOrderExists.
func (r *OrderRepo) CreateCompleted(ctx context.Context, order *models.Order) (*models.Order, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	query := `
		INSERT INTO orders (user_id, amount_cents, currency, tier, billing_period,
			checkout_session_id, payment_intent_id, status, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + orderColumns

	stored, err := scanOrder(tx.QueryRowContext(ctx, query,
		order.UserID,
		order.AmountCents,
		order.Currency,
		order.Tier,
		order.BillingPeriod,
		order.CheckoutSessionID,
		order.PaymentIntentID,
		models.OrderStatusCompleted,
		now,
		now,
	))
	if err != nil {
		if IsUniqueConstraintErr(err) {
			return nil, models.ErrOrderExists
		}
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return stored, nil
}

func (r *OrderRepo) GetByCheckoutSessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE checkout_session_id = ?`
	return scanOrder(r.db.QueryRowContext(ctx, query, sessionID))
}

func (r *OrderRepo) GetByID(ctx context.Context, id int) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = ?`
	return scanOrder(r.db.QueryRowContext(ctx, query, id))
}

// AttachInvoiceURL stores the hosted invoice reference on the order matched
// by payment intent id. Completed orders are otherwise immutable.
func (r *OrderRepo) AttachInvoiceURL(ctx context.Context, paymentIntentID, invoiceURL string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE orders SET invoice_url = ? WHERE payment_intent_id = ?`,
		invoiceURL, paymentIntentID,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrOrderNotFound
	}

	log.Debug().
		Str("paymentIntentID", paymentIntentID).
		Msg("Attached hosted invoice to order")

	return nil
}

func scanOrder(row *sql.Row) (*models.Order, error) {
	order := &models.Order{}
	var paymentIntentID, invoiceURL sql.Null[string]
	var completedAt sql.NullTime

	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.AmountCents,
		&order.Currency,
		&order.Tier,
		&order.BillingPeriod,
		&order.CheckoutSessionID,
		&paymentIntentID,
		&invoiceURL,
		&order.Status,
		&completedAt,
		&order.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrOrderNotFound
		}
		return nil, err
	}

	if paymentIntentID.Valid {
		order.PaymentIntentID = &paymentIntentID.V
	}
	if invoiceURL.Valid {
		order.InvoiceURL = &invoiceURL.V
	}
	if completedAt.Valid {
		order.CompletedAt = &completedAt.Time
	}

	return order, nil
}
