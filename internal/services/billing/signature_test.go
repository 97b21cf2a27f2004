// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package billing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test_secret"

func TestVerifySignatureAcceptsValidHeader(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	now := time.Now()

	header := SignPayload(payload, now.Unix(), testSecret)

	require.NoError(t, verifySignatureAt(payload, header, testSecret, DefaultTolerance, now))
}

func TestVerifySignatureAcceptsAnyValidCandidate(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	// Secret rotation: the header may carry signatures from multiple keys.
	valid := SignPayload(payload, now.Unix(), testSecret)
	header := fmt.Sprintf("%s,v1=%064d", valid, 0)

	require.NoError(t, verifySignatureAt(payload, header, testSecret, DefaultTolerance, now))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	header := SignPayload(payload, now.Unix(), testSecret)

	err := verifySignatureAt([]byte(`{"id":"evt_2"}`), header, testSecret, DefaultTolerance, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	header := SignPayload(payload, now.Unix(), "whsec_other")

	err := verifySignatureAt(payload, header, testSecret, DefaultTolerance, now)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	header := SignPayload(payload, now.Add(-10*time.Minute).Unix(), testSecret)

	err := verifySignatureAt(payload, header, testSecret, DefaultTolerance, now)
	assert.ErrorIs(t, err, ErrSignatureExpired)

	// Zero tolerance disables the replay window.
	require.NoError(t, verifySignatureAt(payload, header, testSecret, 0, now))
}

func TestVerifySignatureRejectsBadHeaders(t *testing.T) {
	payload := []byte(`{"id":"evt_1"}`)
	now := time.Now()

	tests := []struct {
		name   string
		header string
		want   error
	}{
		{name: "empty", header: "", want: ErrMissingSignature},
		{name: "no timestamp", header: "v1=deadbeef", want: ErrMalformedSignature},
		{name: "no candidates", header: fmt.Sprintf("t=%d", now.Unix()), want: ErrMalformedSignature},
		{name: "garbage timestamp", header: "t=soon,v1=deadbeef", want: ErrMalformedSignature},
		{name: "non-hex candidate only", header: fmt.Sprintf("t=%d,v1=zzzz", now.Unix()), want: ErrMalformedSignature},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := verifySignatureAt(payload, tc.header, testSecret, DefaultTolerance, now)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
