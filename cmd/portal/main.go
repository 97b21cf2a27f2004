// Copyright (c) 2026, the Draftbill authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/draftbill/portal/internal/api"
	"github.com/draftbill/portal/internal/buildinfo"
	"github.com/draftbill/portal/internal/config"
	"github.com/draftbill/portal/internal/database"
	"github.com/draftbill/portal/internal/identity"
	"github.com/draftbill/portal/internal/mailer"
	"github.com/draftbill/portal/internal/services/billing"
	"github.com/draftbill/portal/internal/services/license"
	"github.com/draftbill/portal/internal/services/sweeper"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "portal",
		Short: "Draftbill customer portal and licensing service",
		Run: func(cmd *cobra.Command, args []string) {
			// Default to serving when no subcommand is given.
			serveCmd := RunServeCommand()
			serveCmd.SetArgs(args)
			if err := serveCmd.Execute(); err != nil {
				log.Fatal().Err(err).Msg("Failed to start server")
			}
		},
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunGenerateConfigCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunLicenseCommand())
	rootCmd.AddCommand(RunSweepCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// RunServeCommand starts the portal API server and the sweep scheduler.
func RunServeCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the portal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.New(configDir)
			if err != nil {
				return err
			}
			if err := cfg.ApplyLogConfig(); err != nil {
				return err
			}

			log.Info().
				Str("version", buildinfo.Version).
				Str("commit", buildinfo.Commit).
				Msg("Starting Draftbill portal")

			db, err := database.New(cfg.DatabasePath())
			if err != nil {
				return err
			}
			defer db.Close()

			deps := buildDependencies(cfg, db)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			scheduler := sweeper.NewScheduler(deps.Sweeper)
			scheduler.Start(ctx)

			server := api.NewServer(deps)
			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			log.Info().Msg("Shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shut down server cleanly")
			}
			scheduler.Wait()

			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to the configuration directory")

	return cmd
}

// RunGenerateConfigCommand writes a default config.toml.
func RunGenerateConfigCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "generate-config",
		Short: "Generate a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := configDir
			if dir == "" {
				var err error
				dir, err = config.DefaultConfigDir()
				if err != nil {
					return err
				}
			}

			configPath := filepath.Join(dir, "config.toml")
			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Config file already exists at %s. Skipping generation.\n", configPath)
				return nil
			}

			if err := config.WriteDefaultConfig(configPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Config file generated at %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to the configuration directory")

	return cmd
}

// RunVersionCommand prints build information.
func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

// RunLicenseCommand groups the administrative license operations.
func RunLicenseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Administrative license operations",
	}

	cmd.AddCommand(RunCreateLicenseCommand())
	cmd.AddCommand(RunRevokeLicenseCommand())

	return cmd
}

// RunCreateLicenseCommand issues a license outside of the checkout flow, for
// support and testing.
func RunCreateLicenseCommand() *cobra.Command {
	var (
		configDir string
		email     string
		name      string
		tier      string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a license for a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(configDir, func(ctx context.Context, svc *services) error {
				user, err := svc.users.FindOrCreateByEmail(ctx, email, name)
				if err != nil {
					return err
				}

				lic, err := svc.licenses.Create(ctx, user.ID, tier, nil)
				if err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "License %s (%s) issued to %s\n", lic.Key, lic.Tier, user.Email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to the configuration directory")
	cmd.Flags().StringVar(&email, "email", "", "customer email")
	cmd.Flags().StringVar(&name, "name", "", "customer name")
	cmd.Flags().StringVar(&tier, "tier", "", "license tier (STARTER, PROFESSIONAL, ENTERPRISE)")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("tier")

	return cmd
}

// RunRevokeLicenseCommand permanently revokes a license.
func RunRevokeLicenseCommand() *cobra.Command {
	var (
		configDir string
		key       string
	)

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a license",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(configDir, func(ctx context.Context, svc *services) error {
				if err := svc.licenses.Revoke(ctx, key); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), "License revoked")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to the configuration directory")
	cmd.Flags().StringVar(&key, "key", "", "license key to revoke")
	cmd.MarkFlagRequired("key")

	return cmd
}

// RunSweepCommand runs one sweep by hand.
func RunSweepCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:       "sweep [expiry|retention]",
		Short:     "Run a maintenance sweep once",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"expiry", "retention"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(configDir, func(ctx context.Context, svc *services) error {
				switch args[0] {
				case "expiry":
					result, err := svc.sweeper.RunExpiry(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Expired %d license(s), %d expiring within 7 days, %d within 30 days\n",
						result.Expired, result.DueWithin7Days, result.DueWithin30Days)
				case "retention":
					result, err := svc.sweeper.RunRetention(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Purged %d auth token(s), %d session(s), %d download event(s), %d machine(s)\n",
						result.AuthTokens, result.Sessions, result.DownloadEvents, result.Machines)
				default:
					return fmt.Errorf("unknown sweep %q", args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to the configuration directory")

	return cmd
}

// services bundles what the CLI subcommands need.
type services struct {
	users    *database.UserRepo
	licenses *license.Service
	sweeper  *sweeper.Sweeper
}

// withServices opens the database, runs fn, and closes everything again.
func withServices(configDir string, fn func(ctx context.Context, svc *services) error) error {
	cfg, err := config.New(configDir)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogConfig(); err != nil {
		return err
	}

	db, err := database.New(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer db.Close()

	deps := buildDependencies(cfg, db)

	return fn(context.Background(), &services{
		users:    database.NewUserRepo(db),
		licenses: deps.LicenseService,
		sweeper:  deps.Sweeper,
	})
}

// buildDependencies wires repositories and services on top of an open
// database.
func buildDependencies(cfg *config.AppConfig, db *database.DB) api.Dependencies {
	userRepo := database.NewUserRepo(db)
	orderRepo := database.NewOrderRepo(db)
	licenseRepo := database.NewLicenseRepo(db)
	machineRepo := database.NewMachineRepo(db)
	retentionRepo := database.NewRetentionRepo(db)

	mail := mailer.LogMailer{}

	licenseService := license.NewService(licenseRepo, machineRepo, userRepo)
	customers := billing.NewHTTPCustomerResolver(cfg.Config.BillingAPIURL, cfg.Config.BillingAPIKey)
	billingHandler := billing.NewHandler(userRepo, orderRepo, licenseService, customers, mail)
	sweep := sweeper.New(licenseRepo, machineRepo, retentionRepo, userRepo, mail)

	return api.Dependencies{
		Config:         cfg,
		DB:             db,
		LicenseService: licenseService,
		BillingHandler: billingHandler,
		Sweeper:        sweep,
		Identity:       identity.HeaderProvider{Header: cfg.Config.IdentityHeader},
	}
}
