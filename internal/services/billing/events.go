// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package billing

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event kinds the handler understands. Anything else is acknowledged and
// logged by the default branch.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

var ErrMalformedEvent = errors.New("malformed billing event payload")

// Event is the verified envelope delivered by the billing processor. The
// loosely-typed `data.object` payload is decoded into a concrete struct per
// kind instead of being walked dynamically.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes the raw (already signature-verified) webhook body.
func ParseEvent(payload []byte) (*Event, error) {
	event := &Event{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	if event.Type == "" {
		return nil, errors.Wrap(ErrMalformedEvent, "missing event type")
	}
	return event, nil
}

// CheckoutSession is the payload of checkout.session.completed.
type CheckoutSession struct {
	ID              string `json:"id"`
	CustomerID      string `json:"customer"`
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	PaymentIntentID string `json:"payment_intent"`
	Metadata        struct {
		Tier          string `json:"tier"`
		BillingPeriod string `json:"billing_period"`
	} `json:"metadata"`
}

// Subscription is the payload of customer.subscription.updated/deleted.
type Subscription struct {
	ID               string `json:"id"`
	CustomerID       string `json:"customer"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// PeriodEnd converts the reported billing-period end to wall time.
func (s *Subscription) PeriodEnd() time.Time {
	return time.Unix(s.CurrentPeriodEnd, 0)
}

// Invoice is the payload of invoice.payment_succeeded/failed.
type Invoice struct {
	ID               string `json:"id"`
	CustomerEmail    string `json:"customer_email"`
	PaymentIntentID  string `json:"payment_intent"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	AttemptCount     int    `json:"attempt_count"`
}

// DecodeCheckoutSession decodes the event payload as a checkout session.
func (e *Event) DecodeCheckoutSession() (*CheckoutSession, error) {
	session := &CheckoutSession{}
	if err := json.Unmarshal(e.Data.Object, session); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return session, nil
}

// DecodeSubscription decodes the event payload as a subscription.
func (e *Event) DecodeSubscription() (*Subscription, error) {
	sub := &Subscription{}
	if err := json.Unmarshal(e.Data.Object, sub); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return sub, nil
}

// DecodeInvoice decodes the event payload as an invoice.
func (e *Event) DecodeInvoice() (*Invoice, error) {
	invoice := &Invoice{}
	if err := json.Unmarshal(e.Data.Object, invoice); err != nil {
		return nil, errors.Wrap(ErrMalformedEvent, err.Error())
	}
	return invoice, nil
}
