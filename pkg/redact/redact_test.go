// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLicenseKey(t *testing.T) {
	assert.Equal(t, "3F9A-****-****-****", LicenseKey("3F9A-0B12-77C4-D21E"))
	assert.Equal(t, "***", LicenseKey(""))
	assert.Equal(t, "***", LicenseKey("AB"))
}

func TestBody(t *testing.T) {
	in := `{"licenseKey":"3F9A-0B12-77C4-D21E","fingerprint":"dev-1"}`
	out := Body(in)

	assert.NotContains(t, out, "0B12-77C4-D21E")
	assert.Contains(t, out, "3F9A-****-****-****")
	assert.Equal(t, "no keys here", Body("no keys here"))
}
