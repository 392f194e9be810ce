package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/spf13/cobra"

	internalauth "github.com/mrshanahan/notes-sync/internal/auth"
	"github.com/mrshanahan/notes-sync/pkg/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in through the authorization server and store the token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Disabled {
			return errors.New("authentication is disabled in the configuration")
		}
		if cfg.Auth.ProviderURL == "" {
			return errors.New("auth.provider_url is required to log in (NOTES_SYNC_AUTH_PROVIDER_URL)")
		}
		redirect, err := url.Parse(cfg.Auth.RedirectURL)
		if err != nil || redirect.Host == "" {
			return fmt.Errorf("invalid auth.redirect_url %q", cfg.Auth.RedirectURL)
		}

		ctx := cmd.Context()
		authCfg, err := auth.BuildAuthConfig(ctx, cfg.Auth.ClientID, cfg.Auth.ProviderURL, cfg.Auth.RedirectURL)
		if err != nil {
			return err
		}
		store := auth.NewTokenStore(cfg.Auth.TokenFile)
		flow := internalauth.NewLoginFlow(authCfg, store, slog.Default())

		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Use(requestid.New(), recover.New())
		flow.Routes(app.Group(path.Dir(redirect.Path)))

		listenErr := make(chan error, 1)
		go func() {
			listenErr <- app.Listen(redirect.Host)
		}()
		defer app.Shutdown()

		loginURL, err := flow.AuthCodeURL()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Open this URL in a browser to log in:\n\n  %s\n\n", loginURL)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-listenErr:
			return fmt.Errorf("login callback server: %w", err)
		case err := <-flow.Done():
			if err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in; token stored in %s\n", store.Path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := auth.NewTokenStore(cfg.Auth.TokenFile).Clear(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logout successful")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd)
}
