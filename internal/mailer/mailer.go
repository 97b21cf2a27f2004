// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package mailer defines the outbound email collaborator. Actual delivery
// lives outside this repository; the portal only decides what to send.
package mailer

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/models"
	"github.com/draftbill/portal/pkg/redact"
)

// Mailer is implemented by the external email delivery service.
type Mailer interface {
	// SendLicenseKey delivers the purchase confirmation with the new key.
	SendLicenseKey(ctx context.Context, user *models.User, license *models.License) error
	// SendExpiryReminder notifies about a license expiring in daysLeft days.
	SendExpiryReminder(ctx context.Context, user *models.User, license *models.License, daysLeft int) error
}

// LogMailer is the default no-op implementation used when no delivery
// service is wired. It records what would have been sent.
type LogMailer struct{}

func (LogMailer) SendLicenseKey(_ context.Context, user *models.User, license *models.License) error {
	log.Info().
		Str("email", user.Email).
		Str("licenseKey", redact.LicenseKey(license.Key)).
		Str("tier", license.Tier).
		Msg("Mailer not configured; skipping license key email")
	return nil
}

func (LogMailer) SendExpiryReminder(_ context.Context, user *models.User, license *models.License, daysLeft int) error {
	log.Info().
		Str("email", user.Email).
		Str("licenseKey", redact.LicenseKey(license.Key)).
		Int("daysLeft", daysLeft).
		Msg("Mailer not configured; skipping expiry reminder")
	return nil
}
