package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/mrshanahan/notes-sync/internal/app"
	"github.com/mrshanahan/notes-sync/internal/offline"
	"github.com/mrshanahan/notes-sync/pkg/auth"
)

const discoveryTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep syncing, serve the offline proxy and raise reminders until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		oauthCfg := discoverOAuth(ctx, cfg.Auth.Disabled, cfg.Auth.ProviderURL, cfg.Auth.ClientID, cfg.Auth.RedirectURL)

		e, err := setup(ctx, oauthCfg)
		if err != nil {
			return err
		}
		defer e.Close()

		var proxy *fiber.App
		if e.cfg.ProxyAddr != "" {
			db, err := e.queue.DB(ctx)
			if err != nil {
				return err
			}
			cache := offline.NewCache(db, e.cfg.CacheName)
			responder := offline.NewResponder(cache, e.monitor, http.DefaultTransport, slog.Default())
			proxy, err = offline.NewProxy(responder, offline.ProxyConfig{
				Origin:    e.cfg.APIURL,
				Tokens:    e.tokens,
				AccessLog: os.Stderr,
				Logger:    slog.Default(),
				Manifest:  e.cfg.Manifest,
			})
			if err != nil {
				return err
			}
		}

		e.newApp(func(d *app.Deps) {
			d.Prober = e.prober
			d.ProbeInterval = e.cfg.ProbeInterval.Duration
			if e.store != nil {
				d.WatchCredentials = e.store.Watch
			}
			if proxy != nil {
				d.Proxy = proxy
				d.ProxyAddr = e.cfg.ProxyAddr
			}
		})

		return e.app.Run(ctx)
	},
}

// discoverOAuth returns the provider configuration used to refresh tokens,
// or nil when auth is off or the provider cannot be reached; stored tokens
// are then used until they expire.
func discoverOAuth(ctx context.Context, disabled bool, providerURL, clientID, redirectURL string) *oauth2.Config {
	if disabled || providerURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	authCfg, err := auth.BuildAuthConfig(ctx, clientID, providerURL, redirectURL)
	if err != nil {
		slog.Warn("authorization server unreachable; tokens will not be refreshed",
			"url", providerURL,
			"err", err)
		return nil
	}
	return &authCfg.LoginConfig
}

func init() {
	rootCmd.AddCommand(runCmd)
}
