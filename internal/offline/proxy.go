package offline

import (
	"bytes"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"golang.org/x/oauth2"

	"github.com/mrshanahan/notes-sync/internal/middleware"
	"github.com/mrshanahan/notes-sync/internal/utils"
)

const TokenLocalName = "token"

// AssetPath serves manifest entries hosted outside the origin. The asset's
// absolute URL goes in the url query parameter.
const AssetPath = "/_assets"

type ProxyConfig struct {
	// Origin is the API base URL every request is forwarded to.
	Origin string
	Tokens oauth2.TokenSource
	// AccessLog receives one line per request. Nil disables access logging.
	AccessLog io.Writer
	Logger    *slog.Logger
	// Manifest is the installed asset list. Its entries on other hosts are
	// reachable through AssetPath, and origin pages have their links to
	// them rewritten.
	Manifest []string
}

var skippedRequestHeaders = map[string]bool{
	"Host":              true,
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Authorization":     true,
	// The transport negotiates compression itself, so bodies arrive plain
	// and can be rewritten.
	"Accept-Encoding": true,
}

var skippedResponseHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
}

// NewProxy returns a fiber app that forwards every request to the API
// origin through transport, normally a Responder.
func NewProxy(transport http.RoundTripper, cfg ProxyConfig) (*fiber.App, error) {
	origin, err := parseOrigin(cfg.Origin)
	if err != nil {
		return nil, err
	}
	assets, err := thirdPartyAssets(origin, cfg.Manifest)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &proxy{
		hc: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin:  origin,
		assets:  assets,
		rewrite: assetRewriter(assets),
		log:     log,
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(requestid.New(), recover.New())
	if cfg.AccessLog != nil {
		app.Use(logger.New(logger.Config{Output: cfg.AccessLog}))
	}
	app.Use(middleware.AttachAccessToken(TokenLocalName, cfg.Tokens))
	app.Get(AssetPath, p.asset)
	app.All("/*", p.forward)
	return app, nil
}

type proxy struct {
	hc      *http.Client
	origin  *url.URL
	assets  map[string]bool
	rewrite *strings.Replacer
	log     *slog.Logger
}

// AssetURL is the proxy path serving the third-party asset at absURL.
func AssetURL(absURL string) string {
	return AssetPath + "?url=" + url.QueryEscape(absURL)
}

func thirdPartyAssets(origin *url.URL, manifest []string) (map[string]bool, error) {
	urls, err := ResolveManifest(origin.String(), manifest)
	if err != nil {
		return nil, err
	}
	assets := map[string]bool{}
	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, err
		}
		if parsed.Host != origin.Host {
			assets[u] = true
		}
	}
	return assets, nil
}

// assetRewriter points links to third-party assets at AssetPath, in raw and
// HTML-escaped form.
func assetRewriter(assets map[string]bool) *strings.Replacer {
	if len(assets) == 0 {
		return nil
	}
	var pairs []string
	for u := range assets {
		proxied := AssetURL(u)
		pairs = append(pairs, u, proxied)
		if escaped := html.EscapeString(u); escaped != u {
			pairs = append(pairs, escaped, html.EscapeString(proxied))
		}
	}
	return strings.NewReplacer(pairs...)
}

func (p *proxy) asset(c *fiber.Ctx) error {
	target := c.Query("url")
	if !p.assets[target] {
		c.Status(fiber.StatusNotFound)
		return c.SendString("not an offline asset")
	}
	req, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, target, nil)
	if err != nil {
		c.Status(fiber.StatusBadRequest)
		return c.SendString("invalid request")
	}
	if v := c.Get(fiber.HeaderAccept); v != "" {
		req.Header.Set(fiber.HeaderAccept, v)
	}
	return p.respond(c, req)
}

func (p *proxy) forward(c *fiber.Ctx) error {
	target := originURL(p.origin, c.OriginalURL())

	var body io.Reader
	if len(c.Body()) > 0 {
		body = bytes.NewReader(c.Body())
	}
	req, err := http.NewRequestWithContext(c.UserContext(), c.Method(), target, body)
	if err != nil {
		c.Status(fiber.StatusBadRequest)
		return c.SendString("invalid request")
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		name := http.CanonicalHeaderKey(string(key))
		if !skippedRequestHeaders[name] {
			req.Header.Add(name, string(value))
		}
	})
	if token := middleware.AccessToken(c, TokenLocalName); token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	return p.respond(c, req)
}

func (p *proxy) respond(c *fiber.Ctx, req *http.Request) error {
	target := req.URL.String()
	resp, err := p.hc.Do(req)
	if err != nil {
		p.log.Warn("upstream request failed",
			"method", req.Method,
			"url", target,
			"err", err)
		c.Status(fiber.StatusBadGateway)
		return c.SendString("notes API unreachable")
	}
	defer resp.Body.Close()

	payload, err := utils.ReadToEnd(resp.Body, maxAssetSize)
	if err != nil {
		p.log.Error("failed to read upstream response",
			"url", target,
			"err", err)
		c.Status(fiber.StatusBadGateway)
		return c.SendString("failed to read upstream response")
	}

	rewritten := false
	if p.rewrite != nil && req.URL.Host == p.origin.Host &&
		strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") &&
		resp.Header.Get("Content-Encoding") == "" {
		payload = []byte(p.rewrite.Replace(string(payload)))
		rewritten = true
	}

	for name, values := range resp.Header {
		if skippedResponseHeaders[name] || (rewritten && name == "Etag") {
			continue
		}
		for _, v := range values {
			c.Response().Header.Add(name, v)
		}
	}
	c.Status(resp.StatusCode)
	return c.Send(payload)
}
