// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package license implements the business rules layered over the store:
// issuing keys, validating them, and enforcing per-license machine capacity.
package license

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/licensekey"
	"github.com/draftbill/portal/internal/models"
	"github.com/draftbill/portal/pkg/redact"
)

// DefaultValidity is granted on creation regardless of billing period; the
// subscription-updated handler reconciles the real period end on renewal.
const DefaultValidity = 365 * 24 * time.Hour

// keyGenerationAttempts bounds the retry on the (astronomically rare)
// generated-key uniqueness collision.
const keyGenerationAttempts = 5

// Service holds the license business logic.
type Service struct {
	licenseRepo *database.LicenseRepo
	machineRepo *database.MachineRepo
	userRepo    *database.UserRepo
}

func NewService(licenseRepo *database.LicenseRepo, machineRepo *database.MachineRepo, userRepo *database.UserRepo) *Service {
	return &Service{
		licenseRepo: licenseRepo,
		machineRepo: machineRepo,
		userRepo:    userRepo,
	}
}

// Create issues a new license for the user. Machine and invoice caps derive
// from the tier; expiry is one year out; status starts ACTIVE.
func (s *Service) Create(ctx context.Context, userID int, tier string, orderID *int) (*models.License, error) {
	canonical, ok := models.NormalizeTier(tier)
	if !ok {
		return nil, errors.Wrap(models.ErrUnknownTier, tier)
	}

	limits, err := models.LimitsForTier(canonical)
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().Add(DefaultValidity)

	var stored *models.License
	err = retry.Do(
		func() error {
			license := &models.License{
				Key:              licensekey.Generate(),
				UserID:           userID,
				Tier:             canonical,
				Status:           models.LicenseStatusActive,
				MaxMachines:      limits.MaxMachines,
				InvoicesPerMonth: limits.InvoicesPerMonth,
				ExpiresAt:        &expiresAt,
				OrderID:          orderID,
			}

			var storeErr error
			stored, storeErr = s.licenseRepo.Store(ctx, license)
			return storeErr
		},
		retry.Attempts(keyGenerationAttempts),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, models.ErrDuplicateLicenseKey)
		}),
		retry.LastErrorOnly(true),
		retry.Delay(0),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to issue license")
	}

	log.Info().
		Int("userID", userID).
		Str("tier", canonical).
		Str("licenseKey", redact.LicenseKey(stored.Key)).
		Msg("License issued")

	return stored, nil
}

// ValidationResult is what a successful Validate returns: the license, its
// current slot usage, and the owning customer.
type ValidationResult struct {
	License      *models.License
	MachineCount int
	Owner        *models.User
}

// Validate checks a key end to end: format and checksum first (no store
// round trip on garbage input), then existence, revocation, and expiry.
// Expiry is judged against the wall clock, not the stored status: the sweep
// that flips overdue licenses to EXPIRED is eventually consistent.
func (s *Service) Validate(ctx context.Context, key string) (*ValidationResult, error) {
	if !licensekey.IsValidFormat(key) {
		return nil, models.ErrInvalidKeyFormat
	}

	license, err := s.licenseRepo.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	switch {
	case license.Status == models.LicenseStatusRevoked:
		return nil, models.ErrLicenseRevoked
	case license.IsExpired(time.Now()):
		return nil, models.ErrLicenseExpired
	}

	count, err := s.licenseRepo.CountMachines(ctx, license.ID)
	if err != nil {
		return nil, err
	}

	owner, err := s.userRepo.GetByID(ctx, license.UserID)
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		License:      license,
		MachineCount: count,
		Owner:        owner,
	}, nil
}

// ActivateMachine binds a fingerprint to the license, consuming one slot.
// Re-activating a known fingerprint is an idempotent success: the existing
// machine is touched and returned without consuming capacity. A fresh
// fingerprint goes through the transactional capacity check.
func (s *Service) ActivateMachine(ctx context.Context, key, fingerprint string, name *string) (*models.Machine, error) {
	result, err := s.Validate(ctx, key)
	if err != nil {
		return nil, err
	}
	license := result.License

	existing, err := s.machineRepo.GetByFingerprint(ctx, license.ID, fingerprint)
	if err == nil {
		if touchErr := s.machineRepo.Touch(ctx, existing.ID); touchErr != nil {
			log.Error().Err(touchErr).Int("machineID", existing.ID).Msg("Failed to update machine last seen")
		}
		return existing, nil
	}
	if !errors.Is(err, models.ErrMachineNotFound) {
		return nil, err
	}

	machine, err := s.machineRepo.ActivateWithinLimit(ctx, license, fingerprint, name)
	if err != nil {
		if database.IsUniqueConstraintErr(err) {
			// Lost a race against a concurrent activation of the same
			// device; resolve it the idempotent way.
			return s.machineRepo.GetByFingerprint(ctx, license.ID, fingerprint)
		}
		return nil, err
	}

	return machine, nil
}

// DeactivateMachine frees the slot bound to the fingerprint. Device-facing:
// possession of the key is the only credential.
func (s *Service) DeactivateMachine(ctx context.Context, key, fingerprint string) error {
	license, err := s.licenseRepo.GetByKey(ctx, key)
	if err != nil {
		return err
	}

	if err := s.machineRepo.DeleteByFingerprint(ctx, license.ID, fingerprint); err != nil {
		return err
	}

	log.Info().
		Str("licenseKey", redact.LicenseKey(key)).
		Msg("Machine deactivated")

	return nil
}

// DeactivateMachineForUser is the portal variant: the machine must belong to
// a license owned by the authenticated user.
func (s *Service) DeactivateMachineForUser(ctx context.Context, machineID, userID int) error {
	machine, err := s.machineRepo.GetByID(ctx, machineID)
	if err != nil {
		return err
	}

	license, err := s.licenseRepo.GetByID(ctx, machine.LicenseID)
	if err != nil {
		return err
	}

	if license.UserID != userID {
		return models.ErrForbidden
	}

	return s.machineRepo.Delete(ctx, machineID)
}

// ListForUser returns the user's licenses with nested machines for the
// portal status page.
func (s *Service) ListForUser(ctx context.Context, userID int) ([]*models.License, error) {
	return s.licenseRepo.GetByUser(ctx, userID)
}

// ExtendForUser moves the expiry of every ACTIVE license owned by the user
// to the given instant. Driven by subscription renewals.
func (s *Service) ExtendForUser(ctx context.Context, userID int, expiresAt time.Time) (int64, error) {
	return s.licenseRepo.ExtendActiveForUser(ctx, userID, expiresAt)
}

// ExpireForUser transitions every ACTIVE license owned by the user to
// EXPIRED. Driven by subscription cancellation.
func (s *Service) ExpireForUser(ctx context.Context, userID int) (int64, error) {
	return s.licenseRepo.ExpireActiveForUser(ctx, userID)
}

// Revoke is the administrative-only transition to REVOKED. It is reachable
// from the CLI, never from the HTTP surface.
func (s *Service) Revoke(ctx context.Context, key string) error {
	license, err := s.licenseRepo.GetByKey(ctx, key)
	if err != nil {
		return err
	}

	if err := s.licenseRepo.UpdateStatus(ctx, license.ID, models.LicenseStatusRevoked); err != nil {
		return err
	}

	log.Warn().
		Str("licenseKey", redact.LicenseKey(key)).
		Int("userID", license.UserID).
		Msg("License revoked")

	return nil
}
