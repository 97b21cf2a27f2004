// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLicenseNotFound     = errors.New("license not found")
	ErrInvalidKeyFormat    = errors.New("invalid license key format")
	ErrLicenseExpired      = errors.New("license expired")
	ErrLicenseRevoked      = errors.New("license revoked")
	ErrDuplicateLicenseKey = errors.New("license key already exists")
	ErrUnknownTier         = errors.New("unknown license tier")
)

// License tiers. The tier determines machine capacity and the monthly
// invoice cap enforced by the desktop client.
const (
	TierStarter      = "STARTER"
	TierProfessional = "PROFESSIONAL"
	TierEnterprise   = "ENTERPRISE"
)

// License status values. EXPIRED and REVOKED are terminal.
const (
	LicenseStatusTrial   = "TRIAL"
	LicenseStatusActive  = "ACTIVE"
	LicenseStatusExpired = "EXPIRED"
	LicenseStatusRevoked = "REVOKED"
)

// EnterpriseMachineLimit is the sentinel capacity for ENTERPRISE licenses.
// Effectively unbounded; the column is NOT NULL so a concrete value is stored.
const EnterpriseMachineLimit = 1000

// License is the central entity: one purchased entitlement owned by a user,
// with a bounded set of activated machines.
type License struct {
	ID               int        `json:"id"`
	Key              string     `json:"key"`
	UserID           int        `json:"userId"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	MaxMachines      int        `json:"maxMachines"`
	InvoicesPerMonth *int       `json:"invoicesPerMonth,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	ActivatedAt      *time.Time `json:"activatedAt,omitempty"`
	OrderID          *int       `json:"orderId,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// Machines is populated by queries that join the activation slots in.
	// The slot holds licenseID, never the other way around.
	Machines []*Machine `json:"machines,omitempty"`
}

// TierLimits holds the capacity rules derived from a tier.
type TierLimits struct {
	MaxMachines      int
	InvoicesPerMonth *int // nil means unbounded
}

// LimitsForTier maps a tier to its capacity rules.
func LimitsForTier(tier string) (TierLimits, error) {
	switch tier {
	case TierStarter:
		invoiceCap := 100
		return TierLimits{MaxMachines: 1, InvoicesPerMonth: &invoiceCap}, nil
	case TierProfessional:
		return TierLimits{MaxMachines: 3}, nil
	case TierEnterprise:
		return TierLimits{MaxMachines: EnterpriseMachineLimit}, nil
	default:
		return TierLimits{}, errors.Wrap(ErrUnknownTier, tier)
	}
}

// NormalizeTier maps billing-supplied tier strings ("professional",
// "Starter") onto the canonical constants.
func NormalizeTier(tier string) (string, bool) {
	switch {
	case strings.EqualFold(tier, TierStarter):
		return TierStarter, true
	case strings.EqualFold(tier, TierProfessional):
		return TierProfessional, true
	case strings.EqualFold(tier, TierEnterprise):
		return TierEnterprise, true
	default:
		return "", false
	}
}

// IsExpired reports whether the license is past its expiry date at the given
// instant, regardless of the stored status. Read-time validity checks use
// this; the expiry sweep is eventually consistent, not authoritative.
func (l *License) IsExpired(now time.Time) bool {
	if l.Status == LicenseStatusExpired {
		return true
	}
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}
