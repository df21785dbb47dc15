// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cyber-tao/openai-api-lab-sub000/internal/util"
)

// Configuration constants for the transport client.
const (
	// DefaultTimeout bounds non-streaming request/response exchanges.
	DefaultTimeout = 60 * time.Second

	// ModelCacheTTL is how long a model listing stays fresh.
	ModelCacheTTL = 5 * time.Minute

	// MaxResponseSize caps non-streaming response bodies.
	// SECURITY: prevents memory exhaustion from a misbehaving endpoint.
	MaxResponseSize = 10 * 1024 * 1024

	// logBodyLimit is how much of a request body makes it into the log.
	logBodyLimit = 256
)

var (
	// Shared HTTP client with connection pooling for request/response calls.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient has no client-level timeout; streaming lifetime
	// is controlled through the request context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// PROFILE AND WIRE TYPES
// =============================================================================

// Profile is one endpoint profile: base URL, credential, and default
// generation parameters. A Client holds a read-only copy; profiles are
// immutable per exchange. A negative Temperature means "endpoint
// default"; zero and above is an explicit sampling temperature.
type Profile struct {
	ID          string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// ChatMessage represents a single role-tagged turn on the wire.
type ChatMessage struct {
	Role    string `json:"role"` // "user", "assistant", or "system"
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// ChatRequest is the chat completions request body. It is constructed
// fresh per call and never mutated after submission. Temperature is a
// pointer so an explicit zero still reaches the wire; nil falls back to
// the profile default.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// wireUsage is the provider-reported token accounting.
type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// chatResponse is the non-streaming chat completions response body.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// apiErrorResponse is the provider's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Usage is token accounting for one exchange. Total equals Input+Output
// when derived locally; an API-reported total is trusted as-is.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// usageFromWire converts provider-reported usage, trusting its total.
func usageFromWire(w *wireUsage) *Usage {
	if w == nil {
		return nil
	}
	total := w.TotalTokens
	if total == 0 {
		total = w.PromptTokens + w.CompletionTokens
	}
	return &Usage{Input: w.PromptTokens, Output: w.CompletionTokens, Total: total}
}

// Completion is the result of one exchange.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        *Usage // nil when the endpoint reported none
	Elapsed      time.Duration
}

// ConnectionCheck is the result of a connectivity probe. It always
// resolves; failures are carried in the fields, never as an error.
type ConnectionCheck struct {
	Success bool
	Elapsed time.Duration
	Message string
	Kind    ErrorKind // zero value when Success
}

// =============================================================================
// CLIENT
// =============================================================================

// Client executes exchanges against one endpoint profile.
//
// The model cache and all other state live on the instance, so multiple
// profiles can coexist without cross-talk and tests can construct
// isolated clients.
type Client struct {
	profile      Profile
	httpClient   *http.Client
	streamClient *http.Client
	models       *ModelCache
}

// NewClient creates a client bound to the given profile.
func NewClient(profile Profile) *Client {
	profile.BaseURL = strings.TrimSuffix(strings.TrimSpace(profile.BaseURL), "/")
	profile.APIKey = strings.TrimSpace(profile.APIKey)
	if profile.Timeout <= 0 {
		profile.Timeout = DefaultTimeout
	}
	return &Client{
		profile:      profile,
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
		models:       NewModelCache(),
	}
}

// WithHTTPClient overrides both HTTP clients. Intended for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	c.streamClient = hc
	return c
}

// WithModelCache shares a model cache across clients. The cache key
// includes the endpoint and a credential prefix, so distinct profiles
// never collide.
func (c *Client) WithModelCache(mc *ModelCache) *Client {
	c.models = mc
	return c
}

// Profile returns the client's profile copy.
func (c *Client) Profile() Profile {
	return c.profile
}

// IsConfigured reports whether a credential is present.
func (c *Client) IsConfigured() bool {
	return c.profile.APIKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the credential,
// safe to log. The key itself never appears in any log line.
func (c *Client) KeyFingerprint() string {
	if c.profile.APIKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.profile.APIKey))
	return hex.EncodeToString(h[:4])
}

// cacheKey derives the model-cache key: endpoint plus a credential prefix,
// never the full credential.
func (c *Client) cacheKey() string {
	prefix := c.profile.APIKey
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return c.profile.BaseURL + "|" + prefix
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	if c.profile.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.profile.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "apilab/1.0")
}

// =============================================================================
// REQUEST/RESPONSE LOGGING
// =============================================================================

// logRequest logs an outgoing request with the credential redacted.
// Observability aid only; nothing depends on it.
func (c *Client) logRequest(method, path string, body []byte) {
	log.Printf("api request: %s %s key=%s body=%s",
		method, path, c.KeyFingerprint(), util.Truncate(string(body), logBodyLimit))
}

// logResponse logs a finished request/response pair.
func (c *Client) logResponse(method, path string, status int, elapsed time.Duration) {
	log.Printf("api response: %s %s status=%d elapsed=%v", method, path, status, elapsed)
}

// =============================================================================
// CONNECTION PROBE
// =============================================================================

// TestConnection issues a lightweight model-listing probe. It never
// returns a Go error; the outcome is always a resolved ConnectionCheck.
func (c *Client) TestConnection(ctx context.Context) ConnectionCheck {
	start := time.Now()
	_, err := c.fetchModels(ctx)
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	if err != nil {
		return ConnectionCheck{
			Success: false,
			Elapsed: elapsed,
			Message: err.Message,
			Kind:    err.Kind,
		}
	}
	return ConnectionCheck{Success: true, Elapsed: elapsed, Message: "ok"}
}

// =============================================================================
// CHAT COMPLETIONS
// =============================================================================

// Complete performs one exchange. With a nil onDelta the call is
// request/response; otherwise the request streams and onDelta is invoked
// once per textual fragment, in arrival order. The returned error, when
// non-nil, is always a normalized *APIError or a *StreamError wrapping one.
func (c *Client) Complete(ctx context.Context, req ChatRequest, onDelta func(string)) (*Completion, error) {
	if req.Model == "" {
		req.Model = c.profile.Model
	}
	if req.Temperature == nil && c.profile.Temperature >= 0 {
		// A negative profile temperature means "endpoint default":
		// leave the field out of the wire form entirely.
		t := c.profile.Temperature
		req.Temperature = &t
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.profile.MaxTokens
	}

	if onDelta != nil {
		return c.completeStreaming(ctx, req, onDelta)
	}
	return c.completeOnce(ctx, req)
}

// completeOnce performs a single request/response exchange.
func (c *Client) completeOnce(ctx context.Context, req ChatRequest) (*Completion, error) {
	req.Stream = false
	start := time.Now()

	resp, body, apiErr := c.post(ctx, "/chat/completions", req, false)
	if apiErr != nil {
		return nil, apiErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromBody(resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &APIError{Kind: ErrKindUnknown, Message: fmt.Sprintf("malformed completion response: %v", err), Status: resp.StatusCode}
	}

	out := &Completion{
		Model:   parsed.Model,
		Usage:   usageFromWire(parsed.Usage),
		Elapsed: time.Since(start),
	}
	if len(parsed.Choices) > 0 {
		out.Text = parsed.Choices[0].Message.Content
		out.FinishReason = parsed.Choices[0].FinishReason
	}
	return out, nil
}

// completeStreaming performs a streaming exchange, delegating body
// consumption to the Decoder.
func (c *Client) completeStreaming(ctx context.Context, req ChatRequest, onDelta func(string)) (*Completion, error) {
	req.Stream = true
	start := time.Now()

	resp, body, apiErr := c.post(ctx, "/chat/completions", req, true)
	if apiErr != nil {
		return nil, apiErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFromBody(resp.StatusCode, body)
	}

	dec := NewDecoder(onDelta)
	if err := dec.Consume(ctx, resp.Body); err != nil {
		return nil, &StreamError{Partial: dec.Text(), Err: Normalize(err)}
	}

	usage := dec.Usage()
	return &Completion{
		Text:         dec.Text(),
		Model:        req.Model,
		FinishReason: dec.FinishReason(),
		Usage:        usage,
		Elapsed:      time.Since(start),
	}, nil
}

// post issues a POST and, for non-streaming calls and error statuses,
// reads the body up front. For a streaming 200 the body is left open.
func (c *Client) post(ctx context.Context, path string, payload any, streaming bool) (*http.Response, []byte, *APIError) {
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, &APIError{Kind: ErrKindUnknown, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := c.profile.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, nil, &APIError{Kind: ErrKindUnknown, Message: fmt.Sprintf("build request: %v", err)}
	}
	c.setHeaders(req)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	c.logRequest(http.MethodPost, path, bodyBytes)
	start := time.Now()

	client := c.httpClient
	if streaming {
		client = c.streamClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, Normalize(err)
	}
	c.logResponse(http.MethodPost, path, resp.StatusCode, time.Since(start))

	if streaming && resp.StatusCode == http.StatusOK {
		return resp, nil, nil
	}

	body, err := readLimited(resp)
	if err != nil {
		resp.Body.Close()
		return nil, nil, &APIError{Kind: ErrKindUnknown, Message: err.Error(), Status: resp.StatusCode}
	}
	return resp, body, nil
}

// errorFromBody converts an HTTP error response into an APIError,
// preserving the provider's code and message when parseable.
func (c *Client) errorFromBody(status int, body []byte) *APIError {
	var envelope apiErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return statusError(status, envelope.Error.Code, envelope.Error.Message)
	}
	return statusError(status, "", strings.TrimSpace(string(body)))
}

// readLimited reads a response body with the size cap applied. A body of
// exactly MaxResponseSize bytes is accepted; one extra byte is read to
// tell an at-limit body apart from an oversized one.
func readLimited(resp *http.Response) ([]byte, error) {
	limited := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded %d bytes", MaxResponseSize)
	}
	return body, nil
}
