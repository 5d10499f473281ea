// Package translate is the client for the instructions-localization service.
//
// The service receives the scenario instructions in the learner's native
// language and returns them in the practice language, together with a chunked
// rendering and a term dictionary the chat history uses for inline glosses.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tandemvox/tandem/internal/observe"
	"github.com/tandemvox/tandem/pkg/session"
)

// TranslationError indicates that the localization round trip failed. It is
// a distinct type from transport connection failures so callers can suggest
// different remediation.
type TranslationError struct {
	Err error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate: %v", e.Err)
}

func (e *TranslationError) Unwrap() error { return e.Err }

// Result is a localized text with its chunked rendering and term dictionary.
type Result struct {
	TranslatedText string                             `json:"translated_text"`
	Chunked        []string                           `json:"chunked"`
	Dictionary     map[string]session.DictionaryEntry `json:"dictionary"`
}

// Option is a functional option for Client.
type Option func(*Client)

// WithTimeout sets a per-request timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMetrics sets the metrics instance used for latency recording.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client talks to the localization service over HTTP. Safe for concurrent
// use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *observe.Metrics
}

// New constructs a Client for the service at baseURL. A trailing slash is
// stripped automatically.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("translate: base URL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// translateRequest is the JSON request body sent to the /translate endpoint.
type translateRequest struct {
	Text           string `json:"text"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// Translate localizes text from sourceLang into targetLang. Any failure,
// including a non-200 status or an undecodable body, is returned as a
// *TranslationError.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (Result, error) {
	start := time.Now()
	res, err := c.call(ctx, translateRequest{
		Text:           text,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
	})
	c.metrics.TranslateDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return Result{}, &TranslationError{Err: err}
	}
	return res, nil
}

func (c *Client) call(ctx context.Context, reqBody translateRequest) (Result, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/translate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	if result.TranslatedText == "" {
		return Result{}, fmt.Errorf("empty translated_text in response")
	}
	return result, nil
}
