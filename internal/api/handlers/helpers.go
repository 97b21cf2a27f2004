// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/models"
)

// ErrorResponse represents an API error response. Code is a stable machine
// identifier; Error is for humans.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON sends a JSON response.
// For 204 No Content and 304 Not Modified, no body or Content-Type is sent per HTTP spec.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	// 204 and 304 must not have a body per RFC 7230/9110
	if status == http.StatusNoContent || status == http.StatusNotModified {
		w.WriteHeader(status)
		return
	}

	if data != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
		return
	}

	w.WriteHeader(status)
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// RespondErrorCode sends an error response with a stable code.
func RespondErrorCode(w http.ResponseWriter, status int, code, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// respondLicenseError maps the license domain errors onto HTTP statuses and
// stable codes. Returns false when the error is not a domain error, in which
// case the caller should treat it as internal.
func respondLicenseError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, models.ErrInvalidKeyFormat):
		RespondErrorCode(w, http.StatusBadRequest, "INVALID_KEY_FORMAT", "License key is malformed")
	case errors.Is(err, models.ErrLicenseNotFound):
		RespondErrorCode(w, http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found")
	case errors.Is(err, models.ErrLicenseExpired):
		RespondErrorCode(w, http.StatusForbidden, "LICENSE_EXPIRED", "License has expired")
	case errors.Is(err, models.ErrLicenseRevoked):
		RespondErrorCode(w, http.StatusForbidden, "LICENSE_REVOKED", "License has been revoked")
	case errors.Is(err, models.ErrMachineLimitReached):
		RespondErrorCode(w, http.StatusConflict, "MACHINE_LIMIT_REACHED", "Machine limit reached for this license")
	case errors.Is(err, models.ErrMachineNotFound):
		RespondErrorCode(w, http.StatusNotFound, "MACHINE_NOT_FOUND", "Machine not found")
	case errors.Is(err, models.ErrForbidden):
		RespondErrorCode(w, http.StatusForbidden, "FORBIDDEN", "Machine does not belong to one of your licenses")
	default:
		return false
	}
	return true
}
