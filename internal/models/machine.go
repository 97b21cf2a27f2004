// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"time"

	"github.com/pkg/errors"
)

var (
	ErrMachineNotFound     = errors.New("machine not found")
	ErrMachineLimitReached = errors.New("machine limit reached")
	ErrForbidden           = errors.New("machine belongs to another user")
)

// Machine is one activation slot consumed on a license. The fingerprint is
// an opaque, client-generated device identifier, unique per license.
type Machine struct {
	ID          int       `json:"id"`
	LicenseID   int       `json:"licenseId"`
	Fingerprint string    `json:"fingerprint"`
	Name        *string   `json:"name,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
	CreatedAt   time.Time `json:"createdAt"`
}
