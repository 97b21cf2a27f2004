// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/services/billing"
	"github.com/draftbill/portal/pkg/redact"
)

// maxWebhookBody bounds event payload reads. The processor's real payloads
// are a few KB.
const maxWebhookBody = 1 << 20

// WebhookHandler terminates the billing processor's webhook endpoint:
// signature first, side effects only after.
type WebhookHandler struct {
	billing *billing.Handler
	secret  string
}

func NewWebhookHandler(billingHandler *billing.Handler, secret string) *WebhookHandler {
	return &WebhookHandler{
		billing: billingHandler,
		secret:  secret,
	}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/billing", h.HandleBilling)
}

// HandleBilling verifies and dispatches one webhook delivery. Signature
// failures are 401 with no side effects; processing failures are 500 so the
// processor redelivers.
func (h *WebhookHandler) HandleBilling(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	if err := billing.VerifySignature(payload, r.Header.Get(billing.SignatureHeader), h.secret, billing.DefaultTolerance); err != nil {
		log.Warn().Err(err).Msg("Rejected webhook with invalid signature")
		RespondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	event, err := billing.ParseEvent(payload)
	if err != nil {
		log.Error().Err(err).Str("body", redact.Body(string(payload))).Msg("Failed to parse webhook event")
		RespondError(w, http.StatusBadRequest, "Malformed event payload")
		return
	}

	if err := h.billing.HandleEvent(r.Context(), event); err != nil {
		log.Error().Err(err).Str("eventID", event.ID).Str("eventType", event.Type).Msg("Failed to process webhook event")
		RespondError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"received": "true"})
}
