package offline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mrshanahan/notes-sync/internal/utils"
	"github.com/mrshanahan/notes-sync/pkg/auth"
	"github.com/mrshanahan/notes-sync/pkg/client"
)

const maxAssetSize = 32 << 20

// Fetcher is satisfied by *http.Client.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewFetcher returns the client Install should use. It does not follow
// redirects, so a login redirect fails the asset instead of caching the
// login page, and it sends the stored login to the origin only.
func NewFetcher(origin string, tokens oauth2.TokenSource, timeout time.Duration) (*http.Client, error) {
	base, err := parseOrigin(origin)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &originAuthTransport{host: base.Host, tokens: tokens, next: http.DefaultTransport},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}

type originAuthTransport struct {
	host   string
	tokens oauth2.TokenSource
	next   http.RoundTripper
}

func (t *originAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.tokens == nil || req.URL.Host != t.host {
		return t.next.RoundTrip(req)
	}
	token, err := t.tokens.Token()
	if err != nil {
		// Public assets still load; protected ones fail on their redirect.
		return t.next.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	token.SetAuthHeader(req)
	return t.next.RoundTrip(req)
}

type InstallFailure struct {
	URL string
	Err error
}

// InstallError lists every manifest URL that could not be fetched. When it
// is returned nothing was written to the cache.
type InstallError struct {
	Failures []InstallFailure
}

func (e *InstallError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.URL, f.Err))
	}
	return fmt.Sprintf("install failed for %d asset(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// ResolveManifest turns manifest entries into absolute URLs. Origin-relative
// entries are appended to the full origin, path included, the same way the
// proxy builds upstream URLs.
func ResolveManifest(origin string, manifest []string) ([]string, error) {
	base, err := parseOrigin(origin)
	if err != nil {
		return nil, err
	}
	resolved := make([]string, 0, len(manifest))
	seen := map[string]bool{}
	for _, entry := range manifest {
		ref, err := url.Parse(entry)
		if err != nil {
			return nil, fmt.Errorf("parse manifest entry %q: %w", entry, err)
		}
		var abs string
		if ref.Host != "" {
			abs = base.ResolveReference(ref).String()
		} else {
			abs = originURL(base, entry)
		}
		if !seen[abs] {
			seen[abs] = true
			resolved = append(resolved, abs)
		}
	}
	return resolved, nil
}

func parseOrigin(origin string) (*url.URL, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute URL", origin)
	}
	return u, nil
}

// originURL appends a request URI such as "/static/app.js?v=2" to origin.
func originURL(origin *url.URL, requestURI string) string {
	if !strings.HasPrefix(requestURI, "/") {
		requestURI = "/" + requestURI
	}
	return strings.TrimSuffix(origin.String(), "/") + requestURI
}

// Install fetches every URL in manifest and stores the responses under the
// cache's generation, returning how many entries were stored. It is
// all-or-nothing: any failed fetch leaves the cache untouched and returns an
// *InstallError.
func Install(ctx context.Context, cache *Cache, fetcher Fetcher, origin string, manifest []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	urls, err := ResolveManifest(origin, manifest)
	if err != nil {
		return 0, err
	}

	var (
		entries  []Entry
		failures []InstallFailure
	)
	for _, u := range urls {
		entry, err := fetchAsset(ctx, fetcher, u)
		if err != nil {
			logger.Warn("failed to fetch asset", "url", u, "err", err)
			failures = append(failures, InstallFailure{URL: u, Err: err})
			continue
		}
		entries = append(entries, entry)
	}
	if len(failures) > 0 {
		return 0, &InstallError{Failures: failures}
	}

	if err := cache.Put(ctx, entries...); err != nil {
		return 0, err
	}
	logger.Info("offline assets installed", "cache", cache.Name(), "count", len(entries))
	return len(entries), nil
}

func fetchAsset(ctx context.Context, fetcher Fetcher, u string) (Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Entry{}, err
	}
	resp, err := fetcher.Do(req)
	if err != nil {
		return Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return Entry{}, redirectErr(resp.Header.Get("Location"))
	}
	// A fetcher that follows redirects hands back the final response.
	if resp.Request != nil && resp.Request.URL.String() != u {
		return Entry{}, redirectErr(resp.Request.URL.String())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Entry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := utils.ReadToEnd(resp.Body, maxAssetSize)
	if err != nil {
		return Entry{}, fmt.Errorf("read body: %w", err)
	}

	header := resp.Header.Clone()
	for _, h := range []string{"Set-Cookie", "Date", "Content-Length", "Transfer-Encoding", "Connection"} {
		header.Del(h)
	}
	return Entry{
		URL:    u,
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
		Digest: Digest(body),
	}, nil
}

func redirectErr(location string) error {
	if auth.IsLoginLocation(location) {
		return fmt.Errorf("%w: redirected to %s", client.ErrAuthRequired, location)
	}
	return fmt.Errorf("unexpected redirect to %s", location)
}
