// Package offline keeps a generation-tagged copy of the app's static assets
// and serves it while the API is unreachable.
package offline

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	notesdb "github.com/mrshanahan/notes-sync/pkg/notes-db"
)

const DefaultCacheName = "notes-app-v1"

// CacheHeader is set on every response served from the cache.
const CacheHeader = "X-Notes-Cache"

// DefaultManifest is the asset list installed when none is configured.
// Relative entries resolve against the API origin.
var DefaultManifest = []string{
	"/",
	"/static/css/style.css",
	"/static/js/main.js",
	"https://fonts.googleapis.com/css2?family=DM+Sans:wght@400;500;700&display=swap",
	"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.4.0/css/all.min.css",
	"https://cdn.jsdelivr.net/simplemde/latest/simplemde.min.css",
	"https://cdn.jsdelivr.net/simplemde/latest/simplemde.min.js",
	"https://cdn.jsdelivr.net/npm/marked/marked.min.js",
	"https://cdnjs.cloudflare.com/ajax/libs/html2pdf.js/0.10.1/html2pdf.bundle.min.js",
}

// Entry is one stored response.
type Entry struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	Digest   string
	StoredAt time.Time
}

// Cache is a named set of stored responses. Entries of other generations
// in the same database are left alone.
type Cache struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

func NewCache(db *sql.DB, name string) *Cache {
	if name == "" {
		name = DefaultCacheName
	}
	return &Cache{db: db, name: name, now: time.Now}
}

func (c *Cache) Name() string {
	return c.name
}

// Digest is the hex xxhash64 of body, also used as the entry's ETag.
func Digest(body []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(body))
}

// Put stores entries in one transaction, replacing earlier copies of the
// same URLs.
func (c *Cache) Put(ctx context.Context, entries ...Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin cache write", err)
	}
	defer tx.Rollback()

	storedAt := c.now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		header, err := json.Marshal(e.Header)
		if err != nil {
			return fmt.Errorf("encode headers for %s: %w", e.URL, err)
		}
		digest := e.Digest
		if digest == "" {
			digest = Digest(e.Body)
		}
		body := e.Body
		if body == nil {
			body = []byte{}
		}
		_, err = tx.ExecContext(ctx, `
            INSERT INTO cached_assets (cache_name, url, status, headers, body, digest, stored_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT (cache_name, url) DO UPDATE SET
                status = excluded.status,
                headers = excluded.headers,
                body = excluded.body,
                digest = excluded.digest,
                stored_at = excluded.stored_at`,
			c.name, e.URL, e.Status, string(header), body, digest, storedAt)
		if err != nil {
			return storageErr("store "+e.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit cache write", err)
	}
	return nil
}

// Get returns the stored entry for url, or nil if there is none.
func (c *Cache) Get(ctx context.Context, url string) (*Entry, error) {
	var (
		e        = Entry{URL: url}
		header   string
		storedAt string
	)
	err := c.db.QueryRowContext(ctx, `
        SELECT status, headers, body, digest, stored_at
        FROM cached_assets WHERE cache_name = ? AND url = ?`, c.name, url).
		Scan(&e.Status, &header, &e.Body, &e.Digest, &storedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("read "+url, err)
	}
	if err := json.Unmarshal([]byte(header), &e.Header); err != nil {
		return nil, fmt.Errorf("decode headers for %s: %w", url, err)
	}
	if e.StoredAt, err = time.Parse(time.RFC3339, storedAt); err != nil {
		return nil, fmt.Errorf("parse stored_at for %s: %w", url, err)
	}
	return &e, nil
}

// Match builds a response from the stored entry for url.
func (c *Cache) Match(ctx context.Context, url string) (*http.Response, bool, error) {
	e, err := c.Get(ctx, url)
	if err != nil || e == nil {
		return nil, false, err
	}

	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("ETag", strconv.Quote(e.Digest))
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	header.Set(CacheHeader, "HIT")

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}, true, nil
}

// Keys lists the URLs stored in this generation.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT url FROM cached_assets WHERE cache_name = ? ORDER BY url", c.name)
	if err != nil {
		return nil, storageErr("list cached urls", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, storageErr("scan cached url", err)
		}
		keys = append(keys, url)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list cached urls", err)
	}
	return keys, nil
}

// Generations lists every cache name present in the database.
func (c *Cache) Generations(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT DISTINCT cache_name FROM cached_assets ORDER BY cache_name")
	if err != nil {
		return nil, storageErr("list generations", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageErr("scan generation", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// DeleteGeneration drops every entry stored under name. Stale generations
// are only ever removed this way.
func (c *Cache) DeleteGeneration(ctx context.Context, name string) (int64, error) {
	res, err := c.db.ExecContext(ctx, "DELETE FROM cached_assets WHERE cache_name = ?", name)
	if err != nil {
		return 0, storageErr("delete generation "+name, err)
	}
	return res.RowsAffected()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", notesdb.ErrStorage, op, err)
}
