package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/inercia/chatwire/internal/protocol"
	"github.com/inercia/chatwire/internal/transport"
)

// Client talks to the backend's HTTP collaborator endpoints and opens chat
// sessions. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      transport.TokenSource
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithToken sets the bearer token source used for HTTP requests and
// WebSocket connections.
func WithToken(ts transport.TokenSource) Option {
	return func(client *Client) {
		client.token = ts
	}
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) transport.TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// New creates a client for the backend at baseURL (e.g. "http://localhost:8080").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the base URL of the client.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// chatWebSocketURL returns the ws(s) URL of a chat.
func (c *Client) chatWebSocketURL(chatID string) (string, error) {
	return transport.HTTPToWebSocket(c.baseURL, "/api/chats/"+url.PathEscape(chatID)+"/ws")
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("%s: acquire token: %w", op, err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// ChatExists asks the backend whether the chat was persisted before.
func (c *Client) ChatExists(ctx context.Context, appID, workflowID, chatID string) (bool, error) {
	path := fmt.Sprintf("/api/apps/%s/workflows/%s/chats/%s/exists",
		url.PathEscape(appID), url.PathEscape(workflowID), url.PathEscape(chatID))
	var body protocol.ChatExists
	if err := c.get(ctx, "chat exists", path, nil, &body); err != nil {
		return false, err
	}
	return body.Exists, nil
}

// FetchTranscript returns the stored transcript of a chat track.
func (c *Client) FetchTranscript(ctx context.Context, chatID string, m protocol.Mode) ([]protocol.TranscriptEntry, error) {
	var body protocol.Transcript
	query := url.Values{"mode": {string(m)}}
	if err := c.get(ctx, "fetch transcript", "/api/chats/"+url.PathEscape(chatID)+"/transcript", query, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}
