// Package blobstore provides the typed client for the HTTP object store that
// holds all recordings and computed artifacts.
//
// The backing store limits the number of concurrent server processes, so a
// single Client per process shares one bounded connection pool across
// uploads, downloads, existence probes, and deletes. Uploads retry on
// transient upstream failures; deletes are best-effort and never fail the
// caller. Storage keys are derived mechanically from session and reference
// identifiers; see paths.go.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/MrWong99/cantara/internal/fault"
)

const (
	// maxConns bounds the total connections to the store; the backing
	// service forks one process per connection.
	maxConns = 10

	// maxIdleConns bounds the keep-alive connections retained between calls.
	maxIdleConns = 5

	// putAttempts is the number of upload tries before giving up.
	putAttempts = 3

	// putBackoffBase is the first retry delay; doubled per attempt.
	putBackoffBase = 1500 * time.Millisecond
)

// retryableStatus lists the HTTP status codes on which an upload is retried.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the default pooled HTTP client. Intended for tests;
// production callers should keep the default so the pool bounds hold.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the logger used for best-effort failures. Defaults to
// slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// Client is a typed wrapper over the HTTP object store. Safe for concurrent
// use; create exactly one per process.
type Client struct {
	baseURL    string
	bucket     string
	token      string
	httpClient *http.Client
	log        *slog.Logger
	sleep      func(context.Context, time.Duration) error
}

// New creates a Client for the store at baseURL (e.g.
// "https://storage.example.com/storage/v1"), uploading into the given bucket
// with the given bearer token.
func New(baseURL, bucket, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("blobstore: baseURL must not be empty")
	}
	if bucket == "" {
		return nil, errors.New("blobstore: bucket must not be empty")
	}

	c := &Client{
		baseURL: baseURL,
		bucket:  bucket,
		token:   token,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConns,
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConns,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:   slog.Default(),
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Put uploads data under key with the given content type, overwriting any
// existing object, and returns the public URL. It retries transient upstream
// failures with exponential backoff and returns an error wrapping
// fault.ErrUpstreamUnavailable once all attempts are exhausted.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < putAttempts; attempt++ {
		if attempt > 0 {
			delay := putBackoffBase * (1 << (attempt - 1))
			c.log.Warn("blob upload retry",
				"key", key, "attempt", attempt+1, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("blobstore: put %q: %w", key, err)
			}
		}

		status, err := c.upload(ctx, key, data, contentType)
		if err == nil && status < 300 {
			return c.PublicURL(key), nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("status %d", status)
			if !retryableStatus[status] {
				return "", fmt.Errorf("blobstore: put %q: status %d: %w", key, status, fault.ErrUpstreamUnavailable)
			}
		}
	}
	return "", fmt.Errorf("blobstore: put %q after %d attempts: %v: %w",
		key, putAttempts, lastErr, fault.ErrUpstreamUnavailable)
}

// PutFile uploads the file at path under key. See Put for retry semantics.
func (c *Client) PutFile(ctx context.Context, path, key, contentType string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("blobstore: read %q: %w", path, err)
	}
	return c.Put(ctx, key, data, contentType)
}

// Get downloads the object at key. A missing object is reported as
// fault.ErrNotFound; any other failure as fault.ErrUpstreamUnavailable.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(key), nil, "")
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: %v: %w", key, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("blobstore: get %q: %w", key, fault.ErrNotFound)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("blobstore: get %q: status %d: %w", key, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %q: read body: %v: %w", key, err, fault.ErrUpstreamUnavailable)
	}
	return data, nil
}

// GetToFile streams the object at key into dest, creating or truncating it.
// Error classification matches Get.
func (c *Client) GetToFile(ctx context.Context, key, dest string) error {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(key), nil, "")
	if err != nil {
		return fmt.Errorf("blobstore: get %q: %v: %w", key, err, fault.ErrUpstreamUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("blobstore: get %q: %w", key, fault.ErrNotFound)
	case resp.StatusCode >= 300:
		return fmt.Errorf("blobstore: get %q: status %d: %w", key, resp.StatusCode, fault.ErrUpstreamUnavailable)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("blobstore: create %q: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("blobstore: write %q: %v: %w", dest, err, fault.ErrUpstreamUnavailable)
	}
	return nil
}

// Exists reports whether an object is present at key. It is a hint, not a
// guarantee: any error yields false.
func (c *Client) Exists(ctx context.Context, key string) bool {
	resp, err := c.do(ctx, http.MethodHead, c.objectURL(key), nil, "")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 300
}

// Delete removes the object at key. Best-effort: failures are logged and
// never propagated, so cleanup paths cannot fail a pipeline.
func (c *Client) Delete(ctx context.Context, key string) {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(key), nil, "")
	if err != nil {
		c.log.Warn("blob delete failed", "key", key, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		c.log.Warn("blob delete failed", "key", key, "status", resp.StatusCode)
	}
}

// PublicURL returns the unauthenticated download URL for key. The URL is
// computable without any request, which lets upload sites hand out a usable
// location even when the upload itself failed.
func (c *Client) PublicURL(key string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", c.baseURL, c.bucket, key)
}

// upload performs a single PUT-style upload request.
func (c *Client) upload(ctx context.Context, key string, data []byte, contentType string) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, c.objectURL(key), bytes.NewReader(data), contentType)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

// do issues a single request with auth headers through the shared pool.
func (c *Client) do(ctx context.Context, method, url string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method == http.MethodPost {
		// Overwrite semantics: recordings are immutable, re-preparation
		// replaces whole objects.
		req.Header.Set("x-upsert", "true")
	}
	return c.httpClient.Do(req)
}

// objectURL returns the authenticated object endpoint for key.
func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/object/%s/%s", c.baseURL, c.bucket, key)
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
