package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwk"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	pkgauth "github.com/mrshanahan/notes-sync/pkg/auth"
)

const issuer = "http://auth.test/realms/notes"

func keyPair(t *testing.T) (jwk.Key, *httptest.Server) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.New(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	set.Add(pub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(srv.Close)
	return priv, srv
}

func sign(t *testing.T, key jwk.Key, iss string, exp time.Time) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.IssuerKey, iss))
	require.NoError(t, tok.Set(jwt.SubjectKey, "alice"))
	require.NoError(t, tok.Set(jwt.ExpirationKey, exp))
	signed, err := jwt.Sign(tok, jwa.RS256, key)
	require.NoError(t, err)
	return string(signed)
}

func TestVerifyToken(t *testing.T) {
	key, jwks := keyPair(t)
	ctx := context.Background()

	token, err := verifyWithKeySet(ctx, jwks.URL, issuer, sign(t, key, issuer, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "alice", token.Subject())

	_, err = verifyWithKeySet(ctx, jwks.URL, issuer, sign(t, key, issuer, time.Now().Add(-time.Hour)))
	assert.Error(t, err, "expired")

	_, err = verifyWithKeySet(ctx, jwks.URL, issuer, sign(t, key, "http://elsewhere", time.Now().Add(time.Hour)))
	assert.Error(t, err, "wrong issuer")
}

func TestStateCacheSingleUse(t *testing.T) {
	cache := newStateCache(time.Minute)
	state, nonce, err := cache.issue()
	require.NoError(t, err)

	got, ok := cache.take(state)
	assert.True(t, ok)
	assert.Equal(t, nonce, got)

	_, ok = cache.take(state)
	assert.False(t, ok)

	now := time.Now()
	cache.now = func() time.Time { return now }
	state, _, err = cache.issue()
	require.NoError(t, err)
	cache.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = cache.take(state)
	assert.False(t, ok, "expired state")
}

func TestLoginFlowStoresToken(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","refresh_token":"def","token_type":"Bearer","expires_in":3600}`))
	}))
	defer provider.Close()

	store := pkgauth.NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	cfg := &pkgauth.Config{
		BaseUri: provider.URL,
		LoginConfig: oauth2.Config{
			ClientID:    "notes-sync",
			RedirectURL: "http://127.0.0.1:4444/auth/callback",
			Endpoint:    oauth2.Endpoint{AuthURL: provider.URL + "/auth", TokenURL: provider.URL + "/token"},
		},
	}
	flow := NewLoginFlow(cfg, store, nil)
	app := fiber.New()
	flow.Routes(app.Group("/auth"))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/auth/login", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusSeeOther, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	state := location.Query().Get("state")
	require.NotEmpty(t, state)
	assert.NotEmpty(t, location.Query().Get("nonce"))

	callback := "/auth/callback?code=the-code&state=" + url.QueryEscape(state)
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, callback, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	select {
	case err := <-flow.Done():
		assert.NoError(t, err)
	default:
		t.Fatal("login did not complete")
	}
	token, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", token.AccessToken)

	// A state can only be used once.
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, callback, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLogoutClearsToken(t *testing.T) {
	store := pkgauth.NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "abc"}))

	app := fiber.New()
	NewLoginFlow(&pkgauth.Config{}, store, nil).Routes(app)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/logout", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	_, err = store.Load()
	assert.ErrorIs(t, err, pkgauth.ErrNoToken)
}
