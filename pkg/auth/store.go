package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/oauth2"
)

var ErrNoToken = errors.New("no stored token; run `notes-sync login`")

// TokenStore keeps the user's OAuth2 token in a JSON file.
type TokenStore struct {
	Path string
	mu   sync.Mutex
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{Path: path}
}

func (s *TokenStore) Load() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	} else if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	token := &oauth2.Token{}
	if err := json.Unmarshal(data, token); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", s.Path, err)
	}
	if token.AccessToken == "" {
		return nil, ErrNoToken
	}
	return token, nil
}

// Save writes token atomically with owner-only permissions.
func (s *TokenStore) Save(token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write token: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close token: %w", err)
	}
	return os.Rename(tmp.Name(), s.Path)
}

func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TokenSource reads the stored token on every call so a login performed by
// another process is picked up. With a non-nil config, expired tokens are
// refreshed and the refreshed token is written back.
func (s *TokenStore) TokenSource(ctx context.Context, cfg *oauth2.Config) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, store: s, cfg: cfg}
}

type storeTokenSource struct {
	ctx   context.Context
	store *TokenStore
	cfg   *oauth2.Config
}

func (ts *storeTokenSource) Token() (*oauth2.Token, error) {
	token, err := ts.store.Load()
	if err != nil {
		return nil, err
	}
	if ts.cfg == nil {
		if !token.Valid() {
			return nil, errors.New("stored token expired")
		}
		return token, nil
	}

	fresh, err := ts.cfg.TokenSource(ts.ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if fresh.AccessToken != token.AccessToken {
		if err := ts.store.Save(fresh); err != nil {
			slog.Warn("failed to persist refreshed token", "path", ts.store.Path, "err", err)
		}
	}
	return fresh, nil
}

// Watch calls onChange whenever the token file is written or replaced,
// until ctx ends.
func (s *TokenStore) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		watcher.Close()
		return fmt.Errorf("create token directory: %w", err)
	}
	// The directory is watched because Save replaces the file by rename.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		name := filepath.Clean(s.Path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
					onChange()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("token watcher error", "err", err)
			}
		}
	}()
	return nil
}
