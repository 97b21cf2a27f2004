// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package billing turns verified payment-processor webhook events into
// license lifecycle operations.
package billing

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/mailer"
	"github.com/draftbill/portal/internal/models"
	licensesvc "github.com/draftbill/portal/internal/services/license"
)

// CustomerResolver looks up the email behind a processor customer id.
// Implemented by the external payment-processor client; subscription events
// carry a customer reference, not an email.
type CustomerResolver interface {
	CustomerEmail(ctx context.Context, customerID string) (string, error)
}

// Handler consumes verified billing events and drives the license service.
// Every handler must be safely re-runnable: the processor redelivers on any
// non-2xx response.
type Handler struct {
	users     *database.UserRepo
	orders    *database.OrderRepo
	licenses  *licensesvc.Service
	customers CustomerResolver
	mail      mailer.Mailer
}

func NewHandler(users *database.UserRepo, orders *database.OrderRepo, licenses *licensesvc.Service, customers CustomerResolver, mail mailer.Mailer) *Handler {
	return &Handler{
		users:     users,
		orders:    orders,
		licenses:  licenses,
		customers: customers,
		mail:      mail,
	}
}

// HandleEvent dispatches one verified event. A returned error means the
// caller should answer with a retryable failure so the processor redelivers.
func (h *Handler) HandleEvent(ctx context.Context, event *Event) error {
	logger := log.With().Str("eventID", event.ID).Str("eventType", event.Type).Logger()

	switch event.Type {
	case EventCheckoutCompleted:
		return h.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return h.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return h.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaymentSucceeded:
		return h.handleInvoicePaymentSucceeded(ctx, event)
	case EventInvoicePaymentFailed:
		return h.handleInvoicePaymentFailed(ctx, event)
	default:
		logger.Debug().Msg("Ignoring unhandled billing event type")
		return nil
	}
}

// handleCheckoutCompleted resolves (or creates) the customer, records the
// order, and issues the license. The order's checkout-session uniqueness
// makes redelivery a no-op: no second order, no second license.
func (h *Handler) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	session, err := event.DecodeCheckoutSession()
	if err != nil {
		return err
	}

	// Missing identity or tier is a hard failure: skip with no partial
	// state rather than minting an unowned or untiered license.
	if session.CustomerDetails.Email == "" {
		return errors.New("checkout session has no customer email")
	}
	tier, ok := models.NormalizeTier(session.Metadata.Tier)
	if !ok {
		return errors.Errorf("checkout session has unknown tier %q", session.Metadata.Tier)
	}

	user, err := h.users.FindOrCreateByEmail(ctx, session.CustomerDetails.Email, session.CustomerDetails.Name)
	if err != nil {
		return errors.Wrap(err, "failed to resolve customer")
	}

	order := &models.Order{
		UserID:            user.ID,
		AmountCents:       session.AmountTotal,
		Currency:          session.Currency,
		Tier:              tier,
		BillingPeriod:     session.Metadata.BillingPeriod,
		CheckoutSessionID: session.ID,
	}
	if session.PaymentIntentID != "" {
		order.PaymentIntentID = &session.PaymentIntentID
	}

	stored, err := h.orders.CreateCompleted(ctx, order)
	if errors.Is(err, models.ErrOrderExists) {
		log.Info().
			Str("eventID", event.ID).
			Str("checkoutSessionID", session.ID).
			Msg("Checkout event already processed; skipping")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to record order")
	}

	license, err := h.licenses.Create(ctx, user.ID, tier, &stored.ID)
	if err != nil {
		return errors.Wrap(err, "failed to issue license for order")
	}

	if err := h.mail.SendLicenseKey(ctx, user, license); err != nil {
		// Delivery is the collaborator's problem; the license exists and
		// the portal shows the key, so don't force a redelivery loop.
		log.Error().Err(err).Str("email", user.Email).Msg("Failed to send license key email")
	}

	return nil
}

// handleSubscriptionUpdated extends every ACTIVE license of the resolved
// customer to the reported period end. Licenses and subscriptions are 1:1
// per user; see DESIGN.md for the recorded decision.
func (h *Handler) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	sub, err := event.DecodeSubscription()
	if err != nil {
		return err
	}

	user, err := h.resolveCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	count, err := h.licenses.ExtendForUser(ctx, user.ID, sub.PeriodEnd())
	if err != nil {
		return errors.Wrap(err, "failed to extend licenses")
	}

	log.Info().
		Str("eventID", event.ID).
		Int("userID", user.ID).
		Int64("licenses", count).
		Time("periodEnd", sub.PeriodEnd()).
		Msg("Extended active licenses for renewed subscription")

	return nil
}

// handleSubscriptionDeleted expires every ACTIVE license of the customer.
func (h *Handler) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	sub, err := event.DecodeSubscription()
	if err != nil {
		return err
	}

	user, err := h.resolveCustomer(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	count, err := h.licenses.ExpireForUser(ctx, user.ID)
	if err != nil {
		return errors.Wrap(err, "failed to expire licenses")
	}

	log.Info().
		Str("eventID", event.ID).
		Int("userID", user.ID).
		Int64("licenses", count).
		Msg("Expired active licenses for cancelled subscription")

	return nil
}

// handleInvoicePaymentSucceeded attaches the hosted invoice to the matching
// order for self-service record keeping. No license mutation.
func (h *Handler) handleInvoicePaymentSucceeded(ctx context.Context, event *Event) error {
	invoice, err := event.DecodeInvoice()
	if err != nil {
		return err
	}

	if invoice.PaymentIntentID == "" || invoice.HostedInvoiceURL == "" {
		log.Debug().Str("eventID", event.ID).Msg("Invoice event without payment intent or URL; nothing to attach")
		return nil
	}

	err = h.orders.AttachInvoiceURL(ctx, invoice.PaymentIntentID, invoice.HostedInvoiceURL)
	if errors.Is(err, models.ErrOrderNotFound) {
		// Renewal invoices have no originating checkout order.
		log.Debug().
			Str("eventID", event.ID).
			Str("paymentIntentID", invoice.PaymentIntentID).
			Msg("No order for invoice payment intent")
		return nil
	}
	return err
}

// handleInvoicePaymentFailed records the failure. Dunning notifications are
// the email collaborator's responsibility; no state changes here.
func (h *Handler) handleInvoicePaymentFailed(ctx context.Context, event *Event) error {
	invoice, err := event.DecodeInvoice()
	if err != nil {
		return err
	}

	log.Warn().
		Str("eventID", event.ID).
		Str("invoiceID", invoice.ID).
		Str("customerEmail", invoice.CustomerEmail).
		Int("attemptCount", invoice.AttemptCount).
		Msg("Invoice payment failed")

	return nil
}

func (h *Handler) resolveCustomer(ctx context.Context, customerID string) (*models.User, error) {
	if customerID == "" {
		return nil, errors.New("billing event has no customer reference")
	}

	email, err := h.customers.CustomerEmail(ctx, customerID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve customer %s", customerID)
	}

	user, err := h.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, errors.Wrapf(err, "no portal user for customer %s", customerID)
	}

	return user, nil
}
