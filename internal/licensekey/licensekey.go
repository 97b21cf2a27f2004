// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package licensekey generates and format-validates Draftbill license keys.
//
// A key is four 4-character segments of uppercase hex, e.g.
// "3F9A-0B12-77C4-D21E". The first three segments carry 48 bits of
// randomness; the fourth is a checksum derived from them. Embedding the
// checksum lets the desktop client and the API reject malformed or mistyped
// keys without a database round trip. The store still enforces a uniqueness
// constraint as a backstop against the astronomically unlikely collision.
package licensekey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
)

var keyPattern = regexp.MustCompile(`^[A-F0-9]{4}-[A-F0-9]{4}-[A-F0-9]{4}-[A-F0-9]{4}$`)

// Generate returns a new random license key with a valid checksum.
func Generate() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("licensekey: rand.Read: %v", err))
	}

	segments := fmt.Sprintf("%04X-%04X-%04X",
		binary.BigEndian.Uint16(buf[0:2]),
		binary.BigEndian.Uint16(buf[2:4]),
		binary.BigEndian.Uint16(buf[4:6]),
	)

	return segments + "-" + Checksum(segments)
}

// Checksum computes the 4-character checksum segment over the joined first
// three segments ("XXXX-XXXX-XXXX").
func Checksum(segments string) string {
	sum := sha256.Sum256([]byte(segments))
	return strings.ToUpper(fmt.Sprintf("%x", sum))[:4]
}

// IsValidFormat reports whether key matches the license key format and its
// checksum segment is consistent with the first three segments. It returns
// false on any mismatch and never panics.
func IsValidFormat(key string) bool {
	if !keyPattern.MatchString(key) {
		return false
	}

	segments := key[:14]
	return strings.EqualFold(Checksum(segments), key[15:])
}
