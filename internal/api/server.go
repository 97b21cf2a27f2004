// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api assembles the HTTP surface: device endpoints keyed by license,
// portal endpoints keyed by the authenticated user, the billing webhook, and
// the cron-triggered sweeps.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/draftbill/portal/internal/api/handlers"
	"github.com/draftbill/portal/internal/api/middleware"
	"github.com/draftbill/portal/internal/config"
	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/identity"
	"github.com/draftbill/portal/internal/services/billing"
	"github.com/draftbill/portal/internal/services/license"
	"github.com/draftbill/portal/internal/services/sweeper"
)

// ShutdownTimeout bounds how long a draining server waits on in-flight
// requests.
const ShutdownTimeout = 10 * time.Second

// Dependencies carries the wired services into the server.
type Dependencies struct {
	Config         *config.AppConfig
	DB             *database.DB
	LicenseService *license.Service
	BillingHandler *billing.Handler
	Sweeper        *sweeper.Sweeper
	Identity       identity.Provider
}

type Server struct {
	deps       Dependencies
	httpServer *http.Server
}

func NewServer(deps Dependencies) *Server {
	return &Server{deps: deps}
}

// Handler builds the full router.
func (s *Server) Handler() (http.Handler, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger(log.Logger))
	r.Use(middleware.Recoverer)

	corsMiddleware := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", billing.SignatureHeader},
		AllowCredentials: true,
		MaxAge:           300,
	})
	r.Use(corsMiddleware.Handler)

	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create compression adapter")
	}
	r.Use(compress)

	licenseHandler := handlers.NewLicenseHandler(s.deps.LicenseService)
	webhookHandler := handlers.NewWebhookHandler(s.deps.BillingHandler, s.deps.Config.Config.WebhookSecret)
	sweepHandler := handlers.NewSweepHandler(s.deps.Sweeper)
	healthHandler := handlers.NewHealthHandler(s.deps.DB)

	r.Route("/api", func(r chi.Router) {
		r.Route("/health", healthHandler.Routes)

		authenticated := middleware.IsAuthenticated(s.deps.Identity)

		r.Route("/licenses", func(r chi.Router) {
			// Device endpoints: the license key is the only credential.
			licenseHandler.DeviceRoutes(r)

			// Portal license list behind the identity provider.
			r.With(authenticated).Get("/", licenseHandler.ListLicenses)
		})

		r.With(authenticated).Delete("/machines/{machineID}", licenseHandler.DeleteMachine)

		// Webhooks authenticate by payload signature, not session.
		r.Route("/webhooks", webhookHandler.Routes)

		r.Route("/cron", func(r chi.Router) {
			r.Use(middleware.RequireCronSecret(s.deps.Config.Config.CronSecret, s.deps.Config.IsProduction()))
			sweepHandler.Routes(r)
		})
	})

	return r, nil
}

// ListenAndServe starts the server and blocks until it stops.
func (s *Server) ListenAndServe() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.deps.Config.Config.Host, fmt.Sprintf("%d", s.deps.Config.Config.Port))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("address", addr).Msg("Starting portal API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
