package offline

import (
	"log/slog"
	"net/http"
)

type Connectivity interface {
	Online() bool
}

// Responder answers requests from the cache while offline. Connectivity is
// read on every request; online requests always go to the network.
type Responder struct {
	cache  *Cache
	conn   Connectivity
	next   http.RoundTripper
	logger *slog.Logger
}

func NewResponder(cache *Cache, conn Connectivity, next http.RoundTripper, logger *slog.Logger) *Responder {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{cache: cache, conn: conn, next: next, logger: logger}
}

func (r *Responder) RoundTrip(req *http.Request) (*http.Response, error) {
	if r.conn.Online() || !cacheable(req) {
		return r.next.RoundTrip(req)
	}

	key := req.URL.String()
	resp, ok, err := r.cache.Match(req.Context(), key)
	if err != nil {
		r.logger.Warn("cache lookup failed; trying network", "url", key, "err", err)
	}
	if !ok {
		r.logger.Debug("offline cache miss", "url", key)
		return r.next.RoundTrip(req)
	}

	r.logger.Debug("served from offline cache", "url", key)
	resp.Request = req
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	return resp, nil
}

func cacheable(req *http.Request) bool {
	return req.Method == http.MethodGet || req.Method == http.MethodHead
}
