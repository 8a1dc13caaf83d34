// Package ragapi provides a client for the retrieval-augmented answering
// backend: query, document upload, index rebuild, index status and ping.
package ragapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"
)

// QueryMode selects how questions are sent to the backend.
type QueryMode string

const (
	// QueryModeGet sends GET /query?q=<question>.
	QueryModeGet QueryMode = "get"
	// QueryModePost sends POST /api/chat with {question, settings}.
	QueryModePost QueryMode = "post"
)

// Client defines the backend operations. Every call makes exactly one HTTP
// attempt; retry and fallback policy belongs to the caller.
type Client interface {
	// Query asks a question and returns the raw response body for the
	// caller to normalize.
	Query(ctx context.Context, question string, settings Settings) ([]byte, error)
	// Upload sends files as one multipart request.
	Upload(ctx context.Context, files []File) (*UploadResponse, error)
	// RebuildIndex asks the backend to rebuild its search index.
	RebuildIndex(ctx context.Context, settings Settings) (*RebuildResponse, error)
	// IndexStatus returns the current index statistics.
	IndexStatus(ctx context.Context) (*IndexStatusResponse, error)
	// Ping returns nil when the backend answers "pong".
	Ping(ctx context.Context) error
}

// Settings are the retrieval settings sent alongside queries and rebuilds.
type Settings struct {
	UseOpenAI    bool   `json:"useOpenAI"`
	TopK         int    `json:"topK"`
	ChunkSize    int    `json:"chunkSize"`
	ChunkOverlap int    `json:"chunkOverlap"`
	ModelName    string `json:"modelName"`
	EmbedModel   string `json:"embedModel"`
}

// File is one document to upload.
type File struct {
	Name        string
	ContentType string
	Open        func() (io.ReadCloser, error)
}

// UploadedFile is the backend's record of an uploaded document.
type UploadedFile struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// UploadResponse is the parsed upload response.
type UploadResponse struct {
	Files []UploadedFile `json:"files"`
}

// RebuildResponse is the parsed rebuild-index response.
type RebuildResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// IndexStatusResponse is the parsed index-status response.
type IndexStatusResponse struct {
	IsBuilt       bool       `json:"isBuilt"`
	DocumentCount int        `json:"documentCount"`
	LastUpdated   *time.Time `json:"lastUpdated"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ragapi: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the backend base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithQueryMode selects GET /query or the POST /api/chat contract.
func WithQueryMode(m QueryMode) Option {
	return func(c *httpClient) {
		c.queryMode = m
	}
}

type httpClient struct {
	baseURL   string
	queryMode QueryMode
	http      *http.Client
}

// NewClient creates a backend client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "http://localhost:8000",
		queryMode: QueryModeGet,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeQuestion puts the question in Unicode NFC so equivalent text is
// encoded identically.
func NormalizeQuestion(q string) string {
	return norm.NFC.String(strings.TrimSpace(q))
}

func (c *httpClient) Query(ctx context.Context, question string, settings Settings) ([]byte, error) {
	question = NormalizeQuestion(question)

	var req *http.Request
	var err error
	switch c.queryMode {
	case QueryModePost:
		payload, merr := json.Marshal(map[string]any{"question": question, "settings": settings})
		if merr != nil {
			return nil, eris.Wrap(merr, "ragapi: marshal query")
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		q := url.Values{"q": {question}}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/query?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, eris.Wrap(err, "ragapi: create query request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "query")
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *httpClient) Upload(ctx context.Context, files []File) (*UploadResponse, error) {
	payload, contentType, err := encodeMultipart(files)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", payload)
	if err != nil {
		return nil, eris.Wrap(err, "ragapi: create upload request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "upload")
	if err != nil {
		return nil, err
	}

	var result UploadResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "ragapi: unmarshal upload response")
	}
	return &result, nil
}

func (c *httpClient) RebuildIndex(ctx context.Context, settings Settings) (*RebuildResponse, error) {
	payload, err := json.Marshal(map[string]any{"settings": settings})
	if err != nil {
		return nil, eris.Wrap(err, "ragapi: marshal rebuild request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/rebuild-index", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "ragapi: create rebuild request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "rebuild index")
	if err != nil {
		return nil, err
	}

	var result RebuildResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "ragapi: unmarshal rebuild response")
	}
	return &result, nil
}

func (c *httpClient) IndexStatus(ctx context.Context) (*IndexStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/index-status", nil)
	if err != nil {
		return nil, eris.Wrap(err, "ragapi: create index status request")
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, "index status")
	if err != nil {
		return nil, err
	}

	var result IndexStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "ragapi: unmarshal index status")
	}
	return &result, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return eris.Wrap(err, "ragapi: create ping request")
	}

	body, err := c.do(req, "ping")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != "pong" {
		return eris.Errorf("ragapi: ping: unexpected body %q", truncate(string(body), 64))
	}
	return nil
}

// do sends req once and returns the body of a 2xx response.
func (c *httpClient) do(req *http.Request, op string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "ragapi: %s request failed", op)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(err, "ragapi: read %s response body", op)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}
	return body, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
