// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SignatureHeader carries the processor's webhook signature:
// "t=<unix>,v1=<hex hmac>[,v1=...]" with the HMAC-SHA256 computed over
// "<unix>.<raw body>" using the shared endpoint secret.
const SignatureHeader = "Stripe-Signature"

// DefaultTolerance bounds how stale a signed timestamp may be. Replays
// outside the window are rejected even with a valid MAC.
const DefaultTolerance = 5 * time.Minute

var (
	ErrMissingSignature   = errors.New("missing webhook signature header")
	ErrMalformedSignature = errors.New("malformed webhook signature header")
	ErrSignatureMismatch  = errors.New("webhook signature mismatch")
	ErrSignatureExpired   = errors.New("webhook signature timestamp outside tolerance")
)

// VerifySignature checks the signature header against the raw payload and
// the shared secret. Any failure means the event must be rejected with no
// side effects.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration) error {
	return verifySignatureAt(payload, header, secret, tolerance, time.Now())
}

func verifySignatureAt(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}

	var timestamp int64 = -1
	var candidates [][]byte

	for _, part := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrMalformedSignature
			}
			timestamp = ts
		case "v1":
			mac, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			candidates = append(candidates, mac)
		}
	}

	if timestamp < 0 || len(candidates) == 0 {
		return ErrMalformedSignature
	}

	if tolerance > 0 {
		signedAt := time.Unix(timestamp, 0)
		if signedAt.Before(now.Add(-tolerance)) || signedAt.After(now.Add(tolerance)) {
			return ErrSignatureExpired
		}
	}

	expected := ComputeSignature(payload, timestamp, secret)
	for _, candidate := range candidates {
		if hmac.Equal(candidate, expected) {
			return nil
		}
	}

	return ErrSignatureMismatch
}

// ComputeSignature returns the MAC over "<timestamp>.<payload>". Exported
// for tests and local tooling that need to sign synthetic events.
func ComputeSignature(payload []byte, timestamp int64, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignPayload builds a complete signature header for the payload. Test and
// tooling helper; the verifying side only ever parses headers.
func SignPayload(payload []byte, timestamp int64, secret string) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(ComputeSignature(payload, timestamp, secret)))
}
