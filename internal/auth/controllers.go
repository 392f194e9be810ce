package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gofiber/fiber/v2"

	pkgauth "github.com/mrshanahan/notes-sync/pkg/auth"
)

const stateTTL = 5 * time.Minute

// LoginFlow serves the browser side of `notes-sync login`: it redirects to
// the provider, handles the callback and stores the resulting token.
type LoginFlow struct {
	cfg    *pkgauth.Config
	store  *pkgauth.TokenStore
	states *stateCache
	logger *slog.Logger
	done   chan error

	// verifyAccessToken checks the access token before it is stored.
	verifyAccessToken func(ctx context.Context, token string) error
}

func NewLoginFlow(cfg *pkgauth.Config, store *pkgauth.TokenStore, logger *slog.Logger) *LoginFlow {
	if logger == nil {
		logger = slog.Default()
	}
	f := &LoginFlow{
		cfg:    cfg,
		store:  store,
		states: newStateCache(stateTTL),
		logger: logger,
		done:   make(chan error, 1),
	}
	if cfg.Provider != nil {
		f.verifyAccessToken = func(ctx context.Context, token string) error {
			_, err := VerifyToken(ctx, cfg, token)
			return err
		}
	}
	return f
}

func (f *LoginFlow) Routes(router fiber.Router) {
	router.Get("/login", f.Login)
	router.Get("/logout", f.Logout)
	router.Get("/callback", f.AuthCallback)
}

// Done receives the outcome of the first completed callback.
func (f *LoginFlow) Done() <-chan error {
	return f.done
}

// AuthCodeURL issues a fresh state and returns the provider login URL.
func (f *LoginFlow) AuthCodeURL() (string, error) {
	state, nonce, err := f.states.issue()
	if err != nil {
		return "", fmt.Errorf("create login state: %w", err)
	}
	return f.cfg.LoginConfig.AuthCodeURL(state, oidc.Nonce(nonce)), nil
}

func (f *LoginFlow) Login(c *fiber.Ctx) error {
	url, err := f.AuthCodeURL()
	if err != nil {
		f.logger.Error("failed to start login", "err", err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.Redirect(url, fiber.StatusSeeOther)
}

func (f *LoginFlow) Logout(c *fiber.Ctx) error {
	if err := f.store.Clear(); err != nil {
		f.logger.Error("failed to remove stored token", "path", f.store.Path, "err", err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.SendString("Logout successful")
}

func (f *LoginFlow) AuthCallback(c *fiber.Ctx) error {
	nonce, ok := f.states.take(c.Query("state"))
	if !ok {
		c.Status(fiber.StatusUnauthorized)
		return c.SendString("state is invalid or expired")
	}
	if msg := c.Query("error"); msg != "" {
		f.finish(fmt.Errorf("provider refused login: %s", msg))
		c.Status(fiber.StatusUnauthorized)
		return c.SendString("Login refused: " + msg)
	}

	ctx := c.UserContext()
	token, err := f.cfg.LoginConfig.Exchange(ctx, c.Query("code"))
	if err != nil {
		f.logger.Warn("code exchange failed", "err", err)
		c.Status(fiber.StatusUnauthorized)
		return c.SendString("Code-Token Exchange Failed")
	}

	if rawIDToken, ok := token.Extra("id_token").(string); ok && f.cfg.Provider != nil {
		verifier := f.cfg.Provider.Verifier(&oidc.Config{ClientID: f.cfg.LoginConfig.ClientID})
		idToken, err := verifier.Verify(ctx, rawIDToken)
		if err != nil {
			f.logger.Warn("ID token rejected", "err", err)
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if idToken.Nonce != nonce {
			f.logger.Warn("ID token nonce mismatch")
			return c.SendStatus(fiber.StatusUnauthorized)
		}
	}

	if f.verifyAccessToken != nil {
		if err := f.verifyAccessToken(ctx, token.AccessToken); err != nil {
			f.logger.Warn("access token rejected", "err", err)
			return c.SendStatus(fiber.StatusUnauthorized)
		}
	}

	if err := f.store.Save(token); err != nil {
		f.logger.Error("failed to store token", "path", f.store.Path, "err", err)
		f.finish(err)
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	f.logger.Info("login stored", "path", f.store.Path)
	f.finish(nil)
	return c.SendString("Login successful; you can close this window.")
}

func (f *LoginFlow) finish(err error) {
	select {
	case f.done <- err:
	default:
	}
}
