// ABOUTME: HTTP client for the gateway's user and message endpoints
// ABOUTME: Maps error responses back onto the relay and users sentinel errors

package relayclient

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

	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/users"
)

// APIError is a non-success response from the gateway.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, e.Message)
}

// Unwrap maps well-known statuses to sentinel errors so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return relay.ErrRecipientNotFound
	case http.StatusUnauthorized:
		return relay.ErrAuth
	case http.StatusConflict:
		return users.ErrNameTaken
	}
	return nil
}

// Registration is the result of creating a user.
type Registration struct {
	ID    string `json:"id"`
	Token string `json:"token,omitempty"`
}

// API talks to the gateway's HTTP endpoints.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

// APIOption configures an API.
type APIOption func(*API)

// WithToken sends token as a bearer credential.
func WithToken(token string) APIOption {
	return func(a *API) { a.token = token }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *API) { a.client = c }
}

// NewAPI creates a client for the gateway at baseURL.
func NewAPI(baseURL string, opts ...APIOption) *API {
	a := &API{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WebSocketURL returns the relay endpoint for the gateway at baseURL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}
	u.Path += "/ws"
	return u.String(), nil
}

// CreateUser registers a display name.
func (a *API) CreateUser(ctx context.Context, name string) (Registration, error) {
	var reg Registration
	err := a.do(ctx, http.MethodPost, "/api/users/create", "", map[string]string{"name": name}, &reg)
	return reg, err
}

// ListUsers returns registered users as id to display name.
func (a *API) ListUsers(ctx context.Context) (map[string]string, error) {
	var out struct {
		Users map[string]string `json:"users"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/users/list", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// SendMessage sends body from fromUserID to the user named recipientName.
func (a *API) SendMessage(ctx context.Context, fromUserID, recipientName, body string) (relay.SendResult, error) {
	var out struct {
		MessageID string `json:"message_id"`
		Status    int    `json:"status"`
		Details   string `json:"details"`
	}
	req := map[string]string{"recipient_name": recipientName, "message": body}
	if err := a.do(ctx, http.MethodPost, "/api/messages/send", fromUserID, req, &out); err != nil {
		return relay.SendResult{}, err
	}

	status := relay.StatusDelivered
	if out.Status == http.StatusAccepted {
		status = relay.StatusQueued
	}
	return relay.SendResult{MessageID: out.MessageID, Status: status, Details: out.Details}, nil
}

func (a *API) do(ctx context.Context, method, path, userID string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(HeaderUserID, userID)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func errorMessage(data []byte, fallback string) string {
	var envelope struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Detail.Message != "" {
		return envelope.Detail.Message
	}
	return fallback
}
