// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists signals a redelivered checkout event: the order is
	// already recorded under its checkout session id. Callers treat this
	// as an already-processed no-op, not a failure.
	ErrOrderExists = errors.New("order already recorded for checkout session")
)

// Billing periods as reported by the payment processor.
const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

// Order status values.
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusFailed    = "failed"
)

// Order is a completed (or attempted) purchase. Immutable once completed,
// except for the later-arriving hosted invoice reference.
type Order struct {
	ID                int        `json:"id"`
	UserID            int        `json:"userId"`
	AmountCents       int64      `json:"amountCents"`
	Currency          string     `json:"currency"`
	Tier              string     `json:"tier"`
	BillingPeriod     string     `json:"billingPeriod"`
	CheckoutSessionID string     `json:"checkoutSessionId"`
	PaymentIntentID   *string    `json:"paymentIntentId,omitempty"`
	InvoiceURL        *string    `json:"invoiceUrl,omitempty"`
	Status            string     `json:"status"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}
