// Package convai is a WebSocket client for the ElevenLabs Conversational AI
// agent API.
package convai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultWSURL  = "wss://api.elevenlabs.io/v1/convai/conversation"
	DefaultAPIURL = "https://api.elevenlabs.io"
)

var (
	// ErrMissingAgentID is returned by NewClient when no agent id is configured.
	ErrMissingAgentID = errors.New("convai: agent id is empty")
	// ErrMissingAPIKey is returned when authenticated mode has no api key.
	ErrMissingAPIKey = errors.New("convai: api key required for authenticated agents")
)

// Config holds the agent credentials. RequiresAuth selects signed-URL mode.
type Config struct {
	APIKey       string
	AgentID      string
	RequiresAuth bool
	WSURL        string
	APIURL       string

	HTTPClient       *http.Client
	HandshakeTimeout time.Duration
}

// Client opens conversations against one agent.
type Client struct {
	cfg    Config
	http   *http.Client
	dialer *websocket.Dialer
}

// NewClient validates cfg and fills in the public endpoints.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, ErrMissingAgentID
	}
	if cfg.RequiresAuth && cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WSURL == "" {
		cfg.WSURL = DefaultWSURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:    cfg,
		http:   hc,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
	}, nil
}

// AgentID returns the configured agent.
func (c *Client) AgentID() string { return c.cfg.AgentID }

// SignedURL asks the API for a short-lived conversation URL for a private agent.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.APIURL, "/") + "/v1/convai/conversation/get_signed_url")
	if err != nil {
		return "", fmt.Errorf("convai: api url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.cfg.AgentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("convai: get signed url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("convai: get signed url: status=%d body=%s", resp.StatusCode, string(b))
	}
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("convai: decode signed url: %w", err)
	}
	if out.SignedURL == "" {
		return "", errors.New("convai: empty signed url")
	}
	return out.SignedURL, nil
}

func (c *Client) conversationURL(ctx context.Context) (string, error) {
	if c.cfg.RequiresAuth {
		return c.SignedURL(ctx)
	}
	u, err := url.Parse(c.cfg.WSURL)
	if err != nil {
		return "", fmt.Errorf("convai: ws url: %w", err)
	}
	q := u.Query()
	q.Set("agent_id", c.cfg.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.conversationURL(ctx)
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			log.Printf("convai: handshake failed with status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("convai: connect: %w", err)
	}
	return conn, nil
}
