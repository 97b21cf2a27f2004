// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package redact masks credentials before they reach logs.
package redact

import "regexp"

var licenseKeyPattern = regexp.MustCompile(`\b[A-Fa-f0-9]{4}-[A-Fa-f0-9]{4}-[A-Fa-f0-9]{4}-[A-Fa-f0-9]{4}\b`)

// LicenseKey masks a license key for logging, keeping only the first segment.
func LicenseKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return key[:4] + "-****-****-****"
}

// Body replaces anything shaped like a license key in free-form text (URLs,
// request bodies) with a masked form.
func Body(s string) string {
	return licenseKeyPattern.ReplaceAllStringFunc(s, LicenseKey)
}
