package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mrshanahan/notes-sync/internal/utils"
	"github.com/mrshanahan/notes-sync/pkg/auth"
	"github.com/mrshanahan/notes-sync/pkg/notes"
)

// IdempotencyKeyHeader carries the queue's per-note key on creates.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 8 << 20

const (
	AIActionSummarize = "summarize"
	AIActionTags      = "tags"
)

type Client struct {
	URL    string
	http   *http.Client
	tokens oauth2.TokenSource
	logger *slog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the client used for requests. Its redirect policy is
// replaced so login redirects can be detected.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		clone := *hc
		c.http = &clone
	}
}

func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL:    baseURL,
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// AIResult is the answer of the ai-tools endpoint.
type AIResult struct {
	Summary string   `json:"summary,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Result  string   `json:"result,omitempty"`
}

// ListNotes lists the caller's notes, optionally restricted to one tag.
func (c *Client) ListNotes(ctx context.Context, tag string) ([]notes.Note, error) {
	query := url.Values{}
	if tag != "" {
		query.Set("tag", tag)
	}
	return c.listNotes(ctx, query)
}

// SearchNotes runs the server-side title/content search.
func (c *Client) SearchNotes(ctx context.Context, term string) ([]notes.Note, error) {
	query := url.Values{}
	query.Set("q", term)
	return c.listNotes(ctx, query)
}

func (c *Client) GetNote(ctx context.Context, id int64) (notes.Note, error) {
	var note notes.Note
	err := c.do(ctx, http.MethodGet, notePath(id), nil, nil, nil, &note)
	return note, err
}

// CreateNote posts a new note. idempotencyKey may be empty.
func (c *Client) CreateNote(ctx context.Context, in notes.Input, idempotencyKey string) (notes.Note, error) {
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set(IdempotencyKeyHeader, idempotencyKey)
	}
	var note notes.Note
	if err := c.do(ctx, http.MethodPost, "/notes", nil, header, in, &note); err != nil {
		return notes.Note{}, err
	}
	if note.Title == "" {
		note.Title = in.Title
	}
	if note.Content == "" {
		note.Content = in.Content
	}
	if note.Tags == nil {
		note.Tags = in.Tags
	}
	return note, nil
}

func (c *Client) UpdateNote(ctx context.Context, id int64, in notes.Input) error {
	return c.do(ctx, http.MethodPut, notePath(id), nil, nil, in, nil)
}

func (c *Client) DeleteNote(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, notePath(id), nil, nil, nil, nil)
}

// ShareNote grants username read or write access to a note.
func (c *Client) ShareNote(ctx context.Context, id int64, username, permission string) error {
	if permission != notes.PermissionRead && permission != notes.PermissionWrite {
		return fmt.Errorf("invalid permission %q: must be %q or %q", permission, notes.PermissionRead, notes.PermissionWrite)
	}
	payload := map[string]string{"username": username, "permission": permission}
	return c.do(ctx, http.MethodPost, notePath(id)+"/share", nil, nil, payload, nil)
}

// AITools asks the server to summarize content or suggest tags for it.
func (c *Client) AITools(ctx context.Context, action, content string) (AIResult, error) {
	payload := map[string]string{"action": action, "content": content}
	var result AIResult
	err := c.do(ctx, http.MethodPost, "/notes/ai-tools", nil, nil, payload, &result)
	return result, err
}

// Private functions

func (c *Client) listNotes(ctx context.Context, query url.Values) ([]notes.Note, error) {
	var list []notes.Note
	if err := c.do(ctx, http.MethodGet, "/notes", query, nil, nil, &list); err != nil {
		return nil, err
	}
	if list == nil {
		list = []notes.Note{}
	}
	return list, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, payload, out any) error {
	resp, err := c.invoke(ctx, method, path, query, header, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := validateResponse(resp)
	if err != nil {
		c.logger.Debug("API call failed", "method", method, "path", path, "err", err)
		return err
	}

	if out == nil || len(bytes.TrimSpace(respBytes)) == 0 {
		if out != nil && resp.StatusCode != http.StatusNoContent {
			return &ServerError{StatusCode: resp.StatusCode, Message: "empty response body", Malformed: true}
		}
		return nil
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		return &ServerError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("error JSON-decoding response body: %s", err),
			Malformed:  true,
		}
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method, path string, query url.Values, header http.Header, payload any) (*http.Response, error) {
	requestUrl, err := url.JoinPath(c.URL, path)
	if err != nil {
		return nil, fmt.Errorf("error building URL path: %w", err)
	}
	if len(query) > 0 {
		requestUrl += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("error JSON-encoding payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestUrl, body)
	if err != nil {
		return nil, fmt.Errorf("error building API request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if c.tokens != nil {
		token, err := c.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthRequired, err)
		}
		if auth.Expired(token.AccessToken) {
			return nil, fmt.Errorf("%w: access token expired", ErrAuthRequired)
		}
		token.SetAuthHeader(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("error invoking API: %w", err)
		}
		return nil, &NetworkError{Method: method, URL: requestUrl, Err: err}
	}
	return resp, nil
}

func validateResponse(resp *http.Response) ([]byte, error) {
	respBytes, err := utils.ReadToEnd(resp.Body, maxResponseSize)
	if err != nil {
		return nil, &NetworkError{Method: resp.Request.Method, URL: resp.Request.URL.String(), Err: fmt.Errorf("error reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: status %d", ErrAuthRequired, resp.StatusCode)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		location := resp.Header.Get("Location")
		if auth.IsLoginLocation(location) {
			return nil, fmt.Errorf("%w: redirected to %s", ErrAuthRequired, location)
		}
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: "unexpected redirect to " + location}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ServerError{StatusCode: resp.StatusCode, Message: errorMessage(respBytes)}
	}

	return respBytes, nil
}

// errorMessage extracts {"error": ...} or {"message": ...} from a response
// body, falling back to the raw text.
func errorMessage(body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(body))
}

func notePath(id int64) string {
	return "/notes/" + strconv.FormatInt(id, 10)
}
