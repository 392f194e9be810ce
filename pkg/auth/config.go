package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	DiscoveryRetries    = 5
	DiscoveryRetryDelay = 10 * time.Second
)

type Config struct {
	BaseUri     string
	LoginConfig oauth2.Config
	Provider    *oidc.Provider
}

// BuildAuthConfig discovers the OIDC provider at authProviderUrl and builds
// the authorization-code configuration for a public client.
func BuildAuthConfig(ctx context.Context, clientID string, authProviderUrl string, redirectUrl string) (*Config, error) {
	provider, err := loadOIDCConfig(ctx, authProviderUrl)
	if err != nil {
		return nil, fmt.Errorf("could not load OIDC configuration: %w", err)
	}

	config := &Config{
		LoginConfig: oauth2.Config{
			ClientID:    clientID,
			Endpoint:    provider.Endpoint(),
			RedirectURL: redirectUrl,
			Scopes:      []string{"profile", "email", oidc.ScopeOpenID, oidc.ScopeOfflineAccess},
		},
		BaseUri:  authProviderUrl,
		Provider: provider,
	}
	return config, nil
}

// JWKSURL returns the provider's advertised key set location.
func (c *Config) JWKSURL() (string, error) {
	var claims struct {
		JWKsURI string `json:"jwks_uri"`
	}
	if err := c.Provider.Claims(&claims); err != nil {
		return "", err
	}
	if claims.JWKsURI == "" {
		return "", fmt.Errorf("provider %s does not advertise jwks_uri", c.BaseUri)
	}
	return claims.JWKsURI, nil
}

func loadOIDCConfig(ctx context.Context, authProviderUrl string) (*oidc.Provider, error) {
	var provider *oidc.Provider
	var err error
	for i := 0; i < DiscoveryRetries; i++ {
		provider, err = oidc.NewProvider(ctx, authProviderUrl)
		if err == nil {
			return provider, nil
		}
		slog.Warn("could not load OIDC config", "attempt", i+1, "url", authProviderUrl, "err", err)
		if i+1 < DiscoveryRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(DiscoveryRetryDelay):
			}
		}
	}
	return nil, err
}
