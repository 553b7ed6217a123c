// Package gpu coordinates GPU memory with the co-tenant LLM server.
//
// The separation service shares one GPU with an Ollama-style model server;
// pitch extraction runs on a different device and needs no coordination.
// Before a separation starts, the Coordinator asks the model server to
// unload its model by issuing an empty generate call with keep_alive 0. The
// request is advisory: the server may refuse, time out, or be absent, and the
// pipeline proceeds either way.
package gpu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// requestTimeout bounds the unload call so a hung model server can never
	// stall a pipeline.
	requestTimeout = 10 * time.Second

	generatePath = "/api/generate"
)

// generateRequest is the minimal unload payload: naming the model with an
// empty prompt and keep_alive 0 makes the server evict it immediately.
type generateRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	KeepAlive int    `json:"keep_alive"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithHTTPClient replaces the default HTTP client. Intended for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Coordinator) { c.httpClient = hc }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator issues best-effort GPU handover requests and remembers how the
// last one went. Safe for concurrent use.
type Coordinator struct {
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger

	mu          sync.Mutex
	lastAttempt time.Time
	lastOK      bool
}

// New creates a Coordinator for the model server at baseURL. An empty baseURL
// disables coordination: RequestExclusive becomes a no-op and Exclusive always
// reports false.
func New(baseURL, model string, opts ...Option) *Coordinator {
	c := &Coordinator{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RequestExclusive asks the co-tenant server to release the GPU. It never
// returns an error; failures are logged and recorded for Exclusive. Callers
// should invoke it immediately before each separation job.
func (c *Coordinator) RequestExclusive(ctx context.Context) {
	if c.baseURL == "" {
		return
	}
	err := c.unload(ctx)
	c.mu.Lock()
	c.lastAttempt = time.Now()
	c.lastOK = err == nil
	c.mu.Unlock()
	if err != nil {
		c.log.Warn("gpu handover request failed", "error", err)
		return
	}
	c.log.Debug("gpu handover requested", "model", c.model)
}

// Exclusive reports whether the most recent handover request succeeded. A
// Coordinator that never ran a request, or has no server configured, reports
// false.
func (c *Coordinator) Exclusive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOK
}

// LastAttempt returns the time of the most recent handover request, zero if
// none has run yet.
func (c *Coordinator) LastAttempt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAttempt
}

func (c *Coordinator) unload(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	body, err := json.Marshal(generateRequest{Model: c.model})
	if err != nil {
		return fmt.Errorf("gpu: marshal unload request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gpu: build unload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gpu: unload call: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gpu: unload call: status %d", resp.StatusCode)
	}
	return nil
}
