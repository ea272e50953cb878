// Package upstream talks to the research API that owns chats, runs the
// language model and performs media search.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"creatorevolve/internal/research/model"
)

const (
	defaultTimeout   = 60 * time.Second
	streamingTimeout = 300 * time.Second
	maxRetries       = 3
	initialBackoff   = 500 * time.Millisecond
)

// Client is the transport collaborator of the research session.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// Timeouts are applied per request so streamed answers can outlive
		// the default.
		httpClient: &http.Client{},
		backoff:    initialBackoff,
	}
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type chatData struct {
	ID       string              `json:"_id"`
	Messages []model.ChatMessage `json:"messages"`
}

type MediaSearchRequest struct {
	ChatID          string          `json:"chat_id"`
	Prompt          string          `json:"prompt"`
	AssistantAnswer string          `json:"assistant_answer"`
	MessageIndex    int             `json:"message_index"`
	Kind            model.MediaKind `json:"-"`
}

// StartChat creates an upstream chat seeded with an optional system prompt
// and returns its id.
func (c *Client) StartChat(ctx context.Context, systemPrompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"system_prompt": systemPrompt})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}
	var out envelope[chatData]
	if err := c.doJSON(ctx, http.MethodPost, "/chat/start", body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", fmt.Errorf("start chat: empty chat id in response")
	}
	return out.Data.ID, nil
}

// GetMessages returns the canonical transcript of a chat.
func (c *Client) GetMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	var out envelope[chatData]
	if err := c.doJSON(ctx, http.MethodGet, "/chat/"+url.PathEscape(chatID), nil, &out); err != nil {
		return nil, err
	}
	return nonNil(out.Data.Messages), nil
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/chat/"+url.PathEscape(chatID), nil, nil)
}

// SearchMedia asks the upstream to attach image or video results to the
// message at req.MessageIndex and returns the updated transcript.
func (c *Client) SearchMedia(ctx context.Context, req MediaSearchRequest) ([]model.ChatMessage, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: media kind %q", model.ErrInvalidRequest, req.Kind)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	var out envelope[chatData]
	path := "/chat/media/search?type=" + url.QueryEscape(string(req.Kind))
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return nonNil(out.Data.Messages), nil
}

// PostPrompt sends prompt to the chat and returns the streamed answer body.
// The caller must close it; cancelling ctx aborts the read.
func (c *Client) PostPrompt(ctx context.Context, chatID, prompt string) (io.ReadCloser, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	return c.withRetry(ctx, func() (io.ReadCloser, error) {
		return c.do(ctx, http.MethodPost, "/chat/"+url.PathEscape(chatID), body, streamingTimeout)
	})
}

func (c *Client) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	rc, err := c.withRetry(ctx, func() (io.ReadCloser, error) {
		return c.do(ctx, method, path, body, defaultTimeout)
	})
	if err != nil {
		return err
	}
	defer rc.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(rc).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) withRetry(ctx context.Context, fn func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range maxRetries {
		rc, err := fn()
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

// StatusError is returned for any non-2xx upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return model.ErrNotFound
	}
	return nil
}

func isRateLimit(err error) bool {
	se, ok := err.(*StatusError)
	return ok && se.Status == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, rd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose releases the request context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func nonNil(msgs []model.ChatMessage) []model.ChatMessage {
	if msgs == nil {
		return []model.ChatMessage{}
	}
	return msgs
}
