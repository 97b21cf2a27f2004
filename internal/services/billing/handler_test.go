// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package billing

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/models"
	licensesvc "github.com/draftbill/portal/internal/services/license"
)

// mapResolver resolves customer ids from a fixed map, standing in for the
// processor API.
type mapResolver map[string]string

func (m mapResolver) CustomerEmail(_ context.Context, customerID string) (string, error) {
	email, ok := m[customerID]
	if !ok {
		return "", errors.Errorf("unknown customer %s", customerID)
	}
	return email, nil
}

// recordingMailer captures outbound mail instead of sending it.
type recordingMailer struct {
	licenseKeys []string
	reminders   []int
}

func (m *recordingMailer) SendLicenseKey(_ context.Context, _ *models.User, license *models.License) error {
	m.licenseKeys = append(m.licenseKeys, license.Key)
	return nil
}

func (m *recordingMailer) SendExpiryReminder(_ context.Context, _ *models.User, _ *models.License, daysLeft int) error {
	m.reminders = append(m.reminders, daysLeft)
	return nil
}

type handlerEnv struct {
	handler  *Handler
	users    *database.UserRepo
	orders   *database.OrderRepo
	licenses *database.LicenseRepo
	service  *licensesvc.Service
	mail     *recordingMailer
	resolver mapResolver
}

func setupHandler(t *testing.T) *handlerEnv {
	t.Helper()

	conn, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)

	db, err := database.NewForTest(conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	users := database.NewUserRepo(db)
	orders := database.NewOrderRepo(db)
	licenses := database.NewLicenseRepo(db)
	machines := database.NewMachineRepo(db)

	service := licensesvc.NewService(licenses, machines, users)
	mail := &recordingMailer{}
	resolver := mapResolver{}

	return &handlerEnv{
		handler:  NewHandler(users, orders, service, resolver, mail),
		users:    users,
		orders:   orders,
		licenses: licenses,
		service:  service,
		mail:     mail,
		resolver: resolver,
	}
}

func checkoutEvent(eventID, sessionID, email, tier string) *Event {
	payload := fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": %q,
			"customer": "cus_1",
			"customer_details": {"email": %q, "name": "Checkout Customer"},
			"amount_total": 4900,
			"currency": "usd",
			"payment_intent": "pi_%s",
			"metadata": {"tier": %q, "billing_period": "monthly"}
		}}
	}`, eventID, sessionID, email, sessionID, tier)

	event, err := ParseEvent([]byte(payload))
	if err != nil {
		panic(err)
	}
	return event
}

func subscriptionEvent(eventType, customerID string, periodEnd time.Time) *Event {
	payload := fmt.Sprintf(`{
		"id": "evt_sub",
		"type": %q,
		"data": {"object": {
			"id": "sub_1",
			"customer": %q,
			"status": "active",
			"current_period_end": %d
		}}
	}`, eventType, customerID, periodEnd.Unix())

	event, err := ParseEvent([]byte(payload))
	if err != nil {
		panic(err)
	}
	return event
}

func TestCheckoutCompletedIssuesLicense(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	event := checkoutEvent("evt_1", "cs_1", "buyer@example.com", "professional")
	require.NoError(t, env.handler.HandleEvent(ctx, event))

	user, err := env.users.GetByEmail(ctx, "buyer@example.com")
	require.NoError(t, err)
	assert.Equal(t, "Checkout Customer", user.Name)

	order, err := env.orders.GetByCheckoutSessionID(ctx, "cs_1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, order.UserID)
	assert.Equal(t, models.TierProfessional, order.Tier)

	licenses, err := env.licenses.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	assert.Equal(t, models.TierProfessional, licenses[0].Tier)
	assert.Equal(t, models.LicenseStatusActive, licenses[0].Status)
	require.NotNil(t, licenses[0].OrderID)
	assert.Equal(t, order.ID, *licenses[0].OrderID)

	require.Len(t, env.mail.licenseKeys, 1)
	assert.Equal(t, licenses[0].Key, env.mail.licenseKeys[0])
}

func TestCheckoutRedeliveryIsNoOp(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	event := checkoutEvent("evt_1", "cs_same", "once@example.com", "starter")
	require.NoError(t, env.handler.HandleEvent(ctx, event))
	require.NoError(t, env.handler.HandleEvent(ctx, event))

	user, err := env.users.GetByEmail(ctx, "once@example.com")
	require.NoError(t, err)

	licenses, err := env.licenses.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, licenses, 1)
	assert.Len(t, env.mail.licenseKeys, 1)
}

func TestCheckoutRejectsMissingEmailAndUnknownTier(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	err := env.handler.HandleEvent(ctx, checkoutEvent("evt_1", "cs_1", "", "starter"))
	require.Error(t, err)

	err = env.handler.HandleEvent(ctx, checkoutEvent("evt_2", "cs_2", "tier@example.com", "ultimate"))
	require.Error(t, err)

	// Nothing was half-created.
	_, err = env.users.GetByEmail(ctx, "tier@example.com")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestSubscriptionUpdatedExtendsActiveLicenses(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, env.handler.HandleEvent(ctx, checkoutEvent("evt_1", "cs_1", "renew@example.com", "professional")))
	env.resolver["cus_renew"] = "renew@example.com"

	periodEnd := time.Now().Add(60 * 24 * time.Hour).Truncate(time.Second)
	require.NoError(t, env.handler.HandleEvent(ctx, subscriptionEvent(EventSubscriptionUpdated, "cus_renew", periodEnd)))

	user, err := env.users.GetByEmail(ctx, "renew@example.com")
	require.NoError(t, err)
	licenses, err := env.licenses.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 1)
	require.NotNil(t, licenses[0].ExpiresAt)
	assert.WithinDuration(t, periodEnd, *licenses[0].ExpiresAt, time.Second)
}

func TestSubscriptionDeletedExpiresOnlyActiveLicenses(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, env.handler.HandleEvent(ctx, checkoutEvent("evt_1", "cs_1", "cancel@example.com", "starter")))
	require.NoError(t, env.handler.HandleEvent(ctx, checkoutEvent("evt_2", "cs_2", "cancel@example.com", "professional")))
	env.resolver["cus_cancel"] = "cancel@example.com"

	user, err := env.users.GetByEmail(ctx, "cancel@example.com")
	require.NoError(t, err)

	licenses, err := env.licenses.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, licenses, 2)
	require.NoError(t, env.service.Revoke(ctx, licenses[0].Key))

	require.NoError(t, env.handler.HandleEvent(ctx, subscriptionEvent(EventSubscriptionDeleted, "cus_cancel", time.Now())))

	licenses, err = env.licenses.GetByUser(ctx, user.ID)
	require.NoError(t, err)
	statuses := map[string]int{}
	for _, lic := range licenses {
		statuses[lic.Status]++
	}
	assert.Equal(t, 1, statuses[models.LicenseStatusRevoked])
	assert.Equal(t, 1, statuses[models.LicenseStatusExpired])
}

func TestSubscriptionEventUnknownCustomerFails(t *testing.T) {
	env := setupHandler(t)

	err := env.handler.HandleEvent(context.Background(), subscriptionEvent(EventSubscriptionDeleted, "cus_ghost", time.Now()))
	require.Error(t, err)
}

func TestInvoicePaymentSucceededAttachesInvoice(t *testing.T) {
	env := setupHandler(t)
	ctx := context.Background()

	require.NoError(t, env.handler.HandleEvent(ctx, checkoutEvent("evt_1", "cs_inv", "invoice@example.com", "starter")))

	payload := []byte(`{
		"id": "evt_inv",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_1",
			"customer_email": "invoice@example.com",
			"payment_intent": "pi_cs_inv",
			"hosted_invoice_url": "https://invoices.example.com/in_1"
		}}
	}`)
	event, err := ParseEvent(payload)
	require.NoError(t, err)
	require.NoError(t, env.handler.HandleEvent(ctx, event))

	order, err := env.orders.GetByCheckoutSessionID(ctx, "cs_inv")
	require.NoError(t, err)
	require.NotNil(t, order.InvoiceURL)
	assert.Equal(t, "https://invoices.example.com/in_1", *order.InvoiceURL)
}

func TestInvoicePaymentSucceededWithoutOrderIsNoOp(t *testing.T) {
	env := setupHandler(t)

	payload := []byte(`{
		"id": "evt_inv",
		"type": "invoice.payment_succeeded",
		"data": {"object": {
			"id": "in_renewal",
			"payment_intent": "pi_renewal",
			"hosted_invoice_url": "https://invoices.example.com/in_renewal"
		}}
	}`)
	event, err := ParseEvent(payload)
	require.NoError(t, err)

	assert.NoError(t, env.handler.HandleEvent(context.Background(), event))
}

func TestUnhandledEventTypeIsAcknowledged(t *testing.T) {
	env := setupHandler(t)

	event, err := ParseEvent([]byte(`{"id":"evt_x","type":"customer.created","data":{"object":{}}}`))
	require.NoError(t, err)

	assert.NoError(t, env.handler.HandleEvent(context.Background(), event))
}

func TestParseEventRejectsGarbage(t *testing.T) {
	_, err := ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent([]byte(`{"id":"evt_1"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
