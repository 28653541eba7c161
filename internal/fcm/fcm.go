// Package fcm sends Android push notifications through Firebase Cloud
// Messaging's HTTP v1 API, authenticated via a service-account OAuth2
// token exchange.
package fcm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// messagingScope is the OAuth2 scope FCM HTTP v1 requires; GCP service
// accounts with "Firebase Cloud Messaging API" enabled can mint tokens
// for it the same way provider-gcp mints tokens for its infra scopes.
const messagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// TokenSource wraps a cached OAuth2 token behind a single mutex-guarded
// cell, per the engine's "no shared mutable state beyond one cache"
// concurrency rule. Token holds the mutex across the exchange, so
// concurrent cache misses are serialized and only the first one performs
// a token exchange; the others reuse the token it cached.
type TokenSource struct {
	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
}

// NewTokenSource builds a TokenSource from service-account JSON
// credentials (the on-disk contents of a Firebase service account key).
func NewTokenSource(serviceAccountJSON []byte) (*TokenSource, error) {
	cfg, err := google.JWTConfigFromJSON(serviceAccountJSON, messagingScope)
	if err != nil {
		return nil, fmt.Errorf("fcm: parse service account: %w", err)
	}
	return &TokenSource{source: cfg.TokenSource(context.Background())}, nil
}

// Token returns a valid bearer token, refreshing it if the cached one is
// missing or expires within 60 seconds.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != nil && time.Until(t.cached.Expiry) > 60*time.Second {
		return t.cached.AccessToken, nil
	}

	tok, err := t.source.Token()
	if err != nil {
		return "", fmt.Errorf("fcm: token exchange: %w", err)
	}
	t.cached = tok
	return tok.AccessToken, nil
}

// Client sends messages through FCM HTTP v1.
type Client struct {
	ProjectID string
	Tokens    *TokenSource
	HTTP      *http.Client
}

func NewClient(projectID string, tokens *TokenSource) *Client {
	return &Client{
		ProjectID: projectID,
		Tokens:    tokens,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

type message struct {
	Token        string            `json:"token"`
	Notification notificationBody  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Webpush      *webpushOptions   `json:"webpush,omitempty"`
}

type notificationBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

type webpushOptions struct {
	Notification struct {
		Icon string `json:"icon,omitempty"`
	} `json:"notification,omitempty"`
}

type sendRequest struct {
	Message message `json:"message"`
}

// ErrorResponse mirrors the FCM v1 error envelope, carrying the gRPC-style
// status code the delivery engine uses for classification (e.g.
// UNREGISTERED maps to a permanent failure and subscriber reclamation).
type ErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Send posts a single message to FCM HTTP v1 and returns the raw HTTP
// status plus, on a 4xx/5xx, the parsed FCM status string (e.g.
// "UNREGISTERED", "INVALID_ARGUMENT") for the delivery engine to classify.
// icon is delivered through the webpush-specific notification block; image
// is shaped into the common notification.image field FCM forwards to
// every platform.
func (c *Client) Send(ctx context.Context, token, title, body, icon, image string, data map[string]string) (status int, fcmStatus string, err error) {
	authToken, err := c.Tokens.Token(ctx)
	if err != nil {
		return 0, "", err
	}

	msg := message{
		Token:        token,
		Notification: notificationBody{Title: title, Body: body, Image: image},
		Data:         data,
	}
	if icon != "" {
		msg.Webpush = &webpushOptions{}
		msg.Webpush.Notification.Icon = icon
	}

	payload, err := json.Marshal(sendRequest{Message: msg})
	if err != nil {
		return 0, "", fmt.Errorf("fcm: marshal message: %w", err)
	}

	url := fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", c.ProjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("fcm: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		return resp.StatusCode, "", nil
	}

	var errResp ErrorResponse
	if jsonErr := json.Unmarshal(respBody, &errResp); jsonErr == nil {
		return resp.StatusCode, errResp.Error.Status, fmt.Errorf("fcm: %s", errResp.Error.Message)
	}
	return resp.StatusCode, "", fmt.Errorf("fcm: http %d: %s", resp.StatusCode, string(respBody))
}
