package auth

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/jwk"
	"github.com/lestrrat-go/jwx/jwt"

	pkgauth "github.com/mrshanahan/notes-sync/pkg/auth"
)

// VerifyToken checks tokenString's signature against the provider's key set
// and validates its issuer and lifetime.
func VerifyToken(ctx context.Context, cfg *pkgauth.Config, tokenString string) (jwt.Token, error) {
	jwksUri, err := cfg.JWKSURL()
	if err != nil {
		return nil, fmt.Errorf("find key set: %w", err)
	}
	return verifyWithKeySet(ctx, jwksUri, cfg.BaseUri, tokenString)
}

func verifyWithKeySet(ctx context.Context, jwksUri, issuer, tokenString string) (jwt.Token, error) {
	jwks, err := jwk.Fetch(ctx, jwksUri)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}

	token, err := jwt.ParseString(tokenString,
		jwt.WithKeySet(jwks),
		jwt.WithValidate(true),
		jwt.WithIssuer(issuer),
	)
	if err != nil {
		return nil, err
	}
	return token, nil
}
