// ABOUTME: HTTP API handlers for user registration and relay message sending
// ABOUTME: Errors use the {"detail":{"code","message"}} envelope the relay clients parse

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/relay"
	"github.com/2389/cohora-gateway/internal/users"
)

// requestOverhead is the JSON framing allowed on top of the message body.
const requestOverhead = 4 << 10

// CreateUserRequest is the body of POST /api/users/create.
type CreateUserRequest struct {
	Name string `json:"name"`
}

// CreateUserResponse is returned on successful registration.
type CreateUserResponse struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Token  string `json:"token,omitempty"`
}

// ListUsersResponse maps user ids to display names.
type ListUsersResponse struct {
	Users map[string]string `json:"users"`
}

// SendMessageRequest is the body of POST /api/messages/send.
type SendMessageRequest struct {
	RecipientName string `json:"recipient_name"`
	Message       string `json:"message"`
}

// SendMessageResponse reports whether the message was delivered or queued.
// Status mirrors the HTTP status code.
type SendMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    int    `json:"status"`
	Details   string `json:"details"`
}

type errorDetail struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Detail errorDetail `json:"detail"`
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// sendJSONError writes the error envelope.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, errorResponse{Detail: errorDetail{Code: status, Message: message}})
}

// decodeBody decodes the JSON request body into v, writing a 400 or 413 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return false
		}
		g.sendJSONError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (g *Gateway) bodyLimit() int64 {
	return int64(g.config.Relay.MaxMessageBytes) + requestOverhead
}

// handleCreateUser registers a display name and returns the new user id.
func (g *Gateway) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if !g.decodeBody(w, r, requestOverhead, &req) {
		return
	}

	user, err := g.users.Create(r.Context(), req.Name)
	switch {
	case errors.Is(err, users.ErrEmptyName):
		g.sendJSONError(w, http.StatusBadRequest, "Name is required")
		return
	case errors.Is(err, users.ErrNameTaken):
		g.sendJSONError(w, http.StatusConflict, fmt.Sprintf("User '%s' already exists", strings.TrimSpace(req.Name)))
		return
	case err != nil:
		g.logger.Error("creating user", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := CreateUserResponse{ID: user.ID, Status: http.StatusCreated}
	if g.verifier != nil {
		token, err := g.verifier.Generate(user.ID, g.config.Auth.TokenTTL)
		if err != nil {
			g.logger.Error("issuing token", "user_id", user.ID, "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Token = token
	}

	g.writeJSON(w, http.StatusCreated, resp)
}

// handleListUsers returns every registered user as id to display name.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ListUsersResponse{Users: g.users.List()})
}

// handleSendMessage routes a message from the authenticated caller to the
// named recipient. 200 means delivered, 202 means queued.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if !g.limiter.Allow(id.UserID) {
		w.Header().Set("Retry-After", "1")
		g.sendJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	var req SendMessageRequest
	if !g.decodeBody(w, r, g.bodyLimit(), &req) {
		return
	}
	if req.RecipientName == "" {
		g.sendJSONError(w, http.StatusBadRequest, "recipient_name is required")
		return
	}
	if req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > g.config.Relay.MaxMessageBytes {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}

	res, err := g.router.SendMessage(r.Context(), id.UserID, req.RecipientName, req.Message)
	if errors.Is(err, relay.ErrRecipientNotFound) {
		g.sendJSONError(w, http.StatusNotFound, fmt.Sprintf("Recipient '%s' not found", req.RecipientName))
		return
	}
	if err != nil {
		g.logger.Error("sending message", "from", id.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := res.Status.HTTPStatus()
	g.writeJSON(w, status, SendMessageResponse{
		MessageID: res.MessageID,
		Status:    status,
		Details:   res.Details,
	})
}
