// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/services/sweeper"
)

// SweepHandler exposes the sweeps to an external cron. The routes are mounted
// behind the cron-secret middleware.
type SweepHandler struct {
	sweeper *sweeper.Sweeper
}

func NewSweepHandler(s *sweeper.Sweeper) *SweepHandler {
	return &SweepHandler{sweeper: s}
}

func (h *SweepHandler) Routes(r chi.Router) {
	r.Post("/expiry", h.RunExpiry)
	r.Post("/retention", h.RunRetention)
}

func (h *SweepHandler) RunExpiry(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunExpiry(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Expiry sweep failed")
		RespondError(w, http.StatusInternalServerError, "Expiry sweep failed")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}

func (h *SweepHandler) RunRetention(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.RunRetention(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Retention sweep failed")
		RespondError(w, http.StatusInternalServerError, "Retention sweep failed")
		return
	}

	RespondJSON(w, http.StatusOK, result)
}
