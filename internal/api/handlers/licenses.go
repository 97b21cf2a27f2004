// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/identity"
	"github.com/draftbill/portal/internal/models"
	"github.com/draftbill/portal/internal/services/license"
	"github.com/draftbill/portal/pkg/redact"
)

var validate = validator.New()

// LicenseHandler handles the device-facing license endpoints and the portal
// license pages.
type LicenseHandler struct {
	licenseService *license.Service
}

func NewLicenseHandler(licenseService *license.Service) *LicenseHandler {
	return &LicenseHandler{
		licenseService: licenseService,
	}
}

// DeviceRoutes are reachable with nothing but a license key. Mounted outside
// the authenticated group; ListLicenses and DeleteMachine are wired by the
// server behind the identity middleware.
func (h *LicenseHandler) DeviceRoutes(r chi.Router) {
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/validate", h.Validate)
}

// ActivateRequest represents the request body for machine activation
type ActivateRequest struct {
	LicenseKey  string  `json:"licenseKey" validate:"required"`
	Fingerprint string  `json:"fingerprint" validate:"required,max=255"`
	MachineName *string `json:"machineName,omitempty" validate:"omitempty,max=255"`
}

// ActivateResponse represents the response for machine activation
type ActivateResponse struct {
	Valid       bool       `json:"valid"`
	MachineID   int        `json:"machineId"`
	Tier        string     `json:"tier"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	MaxMachines int        `json:"maxMachines"`
}

// Activate binds the requesting machine to the license. Re-activation of a
// known fingerprint succeeds without consuming a slot.
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeValidated[ActivateRequest](w, r)
	if !ok {
		return
	}

	machine, err := h.licenseService.ActivateMachine(r.Context(), req.LicenseKey, req.Fingerprint, req.MachineName)
	if err != nil {
		if errors.Is(err, models.ErrMachineLimitReached) {
			result, vErr := h.licenseService.Validate(r.Context(), req.LicenseKey)
			limit := 0
			if vErr == nil {
				limit = result.License.MaxMachines
			}
			RespondErrorCode(w, http.StatusConflict, "MACHINE_LIMIT_REACHED",
				fmt.Sprintf("This license allows %d machine(s); deactivate one to continue", limit))
			return
		}
		if respondLicenseError(w, err) {
			return
		}
		log.Error().Err(err).Str("licenseKey", redact.LicenseKey(req.LicenseKey)).Msg("Failed to activate machine")
		RespondError(w, http.StatusInternalServerError, "Failed to activate machine")
		return
	}

	result, err := h.licenseService.Validate(r.Context(), req.LicenseKey)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load license after activation")
		RespondError(w, http.StatusInternalServerError, "Failed to activate machine")
		return
	}

	log.Info().
		Str("licenseKey", redact.LicenseKey(req.LicenseKey)).
		Int("machineID", machine.ID).
		Msg("Machine activated")

	RespondJSON(w, http.StatusOK, ActivateResponse{
		Valid:       true,
		MachineID:   machine.ID,
		Tier:        result.License.Tier,
		ExpiresAt:   result.License.ExpiresAt,
		MaxMachines: result.License.MaxMachines,
	})
}

// DeactivateRequest represents the request body for machine deactivation
type DeactivateRequest struct {
	LicenseKey  string `json:"licenseKey" validate:"required"`
	Fingerprint string `json:"fingerprint" validate:"required,max=255"`
}

// Deactivate frees the slot held by the requesting machine.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeValidated[DeactivateRequest](w, r)
	if !ok {
		return
	}

	if err := h.licenseService.DeactivateMachine(r.Context(), req.LicenseKey, req.Fingerprint); err != nil {
		if respondLicenseError(w, err) {
			return
		}
		log.Error().Err(err).Str("licenseKey", redact.LicenseKey(req.LicenseKey)).Msg("Failed to deactivate machine")
		RespondError(w, http.StatusInternalServerError, "Failed to deactivate machine")
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

// ValidateRequest represents the request body for license validation
type ValidateRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
}

// ValidateResponse represents the response for license validation
type ValidateResponse struct {
	Valid            bool       `json:"valid"`
	Tier             string     `json:"tier"`
	Status           string     `json:"status"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	MachinesUsed     int        `json:"machinesUsed"`
	MaxMachines      int        `json:"maxMachines"`
	InvoicesPerMonth *int       `json:"invoicesPerMonth,omitempty"`
	RegisteredTo     string     `json:"registeredTo"`
}

// Validate checks a key without consuming capacity. The desktop app calls
// this on startup.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeValidated[ValidateRequest](w, r)
	if !ok {
		return
	}

	result, err := h.licenseService.Validate(r.Context(), req.LicenseKey)
	if err != nil {
		if respondLicenseError(w, err) {
			return
		}
		log.Error().Err(err).Str("licenseKey", redact.LicenseKey(req.LicenseKey)).Msg("Failed to validate license")
		RespondError(w, http.StatusInternalServerError, "Failed to validate license")
		return
	}

	RespondJSON(w, http.StatusOK, ValidateResponse{
		Valid:            true,
		Tier:             result.License.Tier,
		Status:           result.License.Status,
		ExpiresAt:        result.License.ExpiresAt,
		MachinesUsed:     result.MachineCount,
		MaxMachines:      result.License.MaxMachines,
		InvoicesPerMonth: result.License.InvoicesPerMonth,
		RegisteredTo:     result.Owner.Email,
	})
}

// LicenseInfo is one license row on the portal page, machines included.
type LicenseInfo struct {
	ID          int           `json:"id"`
	Key         string        `json:"key"`
	Tier        string        `json:"tier"`
	Status      string        `json:"status"`
	MaxMachines int           `json:"maxMachines"`
	ExpiresAt   *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Machines    []MachineInfo `json:"machines"`
}

// MachineInfo is one activated machine under a license.
type MachineInfo struct {
	ID         int       `json:"id"`
	Name       *string   `json:"name,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListLicenses returns the authenticated user's licenses with their machines.
func (h *LicenseHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	licenses, err := h.licenseService.ListForUser(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Int("userID", userID).Msg("Failed to list licenses")
		RespondError(w, http.StatusInternalServerError, "Failed to retrieve licenses")
		return
	}

	infos := make([]LicenseInfo, 0, len(licenses))
	for _, lic := range licenses {
		machines := make([]MachineInfo, 0, len(lic.Machines))
		for _, m := range lic.Machines {
			machines = append(machines, MachineInfo{
				ID:         m.ID,
				Name:       m.Name,
				LastSeenAt: m.LastSeenAt,
				CreatedAt:  m.CreatedAt,
			})
		}
		infos = append(infos, LicenseInfo{
			ID:          lic.ID,
			Key:         lic.Key,
			Tier:        lic.Tier,
			Status:      lic.Status,
			MaxMachines: lic.MaxMachines,
			ExpiresAt:   lic.ExpiresAt,
			CreatedAt:   lic.CreatedAt,
			Machines:    machines,
		})
	}

	RespondJSON(w, http.StatusOK, infos)
}

// DeleteMachine removes a machine from one of the authenticated user's
// licenses, freeing the slot.
func (h *LicenseHandler) DeleteMachine(w http.ResponseWriter, r *http.Request) {
	userID, ok := identity.UserIDFromContext(r.Context())
	if !ok {
		RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	machineID, err := strconv.Atoi(chi.URLParam(r, "machineID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid machine ID")
		return
	}

	if err := h.licenseService.DeactivateMachineForUser(r.Context(), machineID, userID); err != nil {
		if respondLicenseError(w, err) {
			return
		}
		log.Error().Err(err).Int("machineID", machineID).Msg("Failed to delete machine")
		RespondError(w, http.StatusInternalServerError, "Failed to delete machine")
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

// decodeValidated decodes the JSON body into T and runs struct validation,
// writing the 400 itself on failure.
func decodeValidated[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if err := validate.Struct(&req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request: "+err.Error())
		return req, false
	}
	return req, true
}
