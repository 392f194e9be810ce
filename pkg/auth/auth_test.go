package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/jwa"
	"github.com/lestrrat-go/jwx/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.New()
	require.NoError(t, tok.Set(jwt.SubjectKey, "alice"))
	if !exp.IsZero() {
		require.NoError(t, tok.Set(jwt.ExpirationKey, exp))
	}
	signed, err := jwt.Sign(tok, jwa.HS256, []byte("test-secret"))
	require.NoError(t, err)
	return string(signed)
}

func TestExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, expiredAt(signedToken(t, now.Add(-time.Minute)), now))
	assert.False(t, expiredAt(signedToken(t, now.Add(time.Hour)), now))
	assert.False(t, expiredAt(signedToken(t, time.Time{}), now), "no exp claim")
	assert.False(t, expiredAt("opaque-token", now))
	assert.False(t, expiredAt("a.b.c", now), "unparseable JWT")
}

func TestTokenStoreRoundTrip(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "nested", "token.json"))

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoToken)

	want := &oauth2.Token{AccessToken: "abc", RefreshToken: "def", TokenType: "Bearer"}
	require.NoError(t, store.Save(want))

	info, err := os.Stat(store.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "abc", got.AccessToken)
	assert.Equal(t, "def", got.RefreshToken)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	_, err = store.Load()
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestStaticTokenSourceRereadsFile(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	ts := store.TokenSource(context.Background(), nil)

	_, err := ts.Token()
	assert.ErrorIs(t, err, ErrNoToken)

	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "first"}))
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", tok.AccessToken)

	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "second"}))
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)

	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)}))
	_, err = ts.Token()
	assert.Error(t, err)
}

func TestWatchSignalsOnSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	changed := make(chan struct{}, 8)
	require.NoError(t, store.Watch(ctx, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "fresh"}))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification after save")
	}
}

func TestIsLoginLocation(t *testing.T) {
	assert.True(t, IsLoginLocation("/login?next=/"))
	assert.True(t, IsLoginLocation("https://notes.test/auth/Login"))
	assert.False(t, IsLoginLocation("/static/css/style.css"))
	assert.False(t, IsLoginLocation("https://notes.test/?q=login"))
	assert.False(t, IsLoginLocation(""))
}
