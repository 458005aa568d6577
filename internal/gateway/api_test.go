// ABOUTME: Tests for the user registration and message sending endpoints
// ABOUTME: Covers status mapping, auth failures, size limits and rate limiting

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/relay"
)

func TestCreateUser(t *testing.T) {
	tg := newTestGateway(t, "")

	rec := tg.do(t, http.MethodPost, "/api/users/create", "", CreateUserRequest{Name: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateUserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Empty(t, resp.Token, "no token without a JWT secret")

	u, ok := tg.users.Lookup(resp.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", u.DisplayName)
}

func TestCreateUser_Errors(t *testing.T) {
	tg := newTestGateway(t, "")
	tg.createUser(t, "Alice")

	tests := []struct {
		name    string
		body    any
		code    int
		message string
	}{
		{"duplicate name", CreateUserRequest{Name: "Alice"}, http.StatusConflict, "User 'Alice' already exists"},
		{"empty name", CreateUserRequest{Name: "  "}, http.StatusBadRequest, "Name is required"},
		{"invalid json", "{not json", http.StatusBadRequest, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(t, http.MethodPost, "/api/users/create", "", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Message)
		})
	}
}

func TestCreateUser_IssuesToken(t *testing.T) {
	tg := newTestGateway(t, "auth:\n  jwt_secret: "+strings.Repeat("k", 32)+"\n")

	rec := tg.do(t, http.MethodPost, "/api/users/create", "", CreateUserRequest{Name: "Alice"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateUserResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)

	sub, err := tg.verifier.Verify(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.ID, sub)
}

func TestListUsers(t *testing.T) {
	tg := newTestGateway(t, "")
	alice := tg.createUser(t, "Alice")
	bob := tg.createUser(t, "Bob")

	rec := tg.do(t, http.MethodGet, "/api/users/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ListUsersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, map[string]string{alice: "Alice", bob: "Bob"}, resp.Users)
}

func TestSendMessage_QueuedForOfflineRecipient(t *testing.T) {
	tg := newTestGateway(t, "")
	alice := tg.createUser(t, "Alice")
	bob := tg.createUser(t, "Bob")

	rec := tg.do(t, http.MethodPost, "/api/messages/send", alice, SendMessageRequest{RecipientName: "Bob", Message: "hi"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SendMessageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.NotEmpty(t, resp.MessageID)
	assert.NotEmpty(t, resp.Details)

	pending := tg.router.Pending(bob)
	require.Len(t, pending, 1)
	assert.Equal(t, resp.MessageID, pending[0].MessageID)
	assert.Equal(t, "Alice", pending[0].FromName)
}

func TestSendMessage_DeliveredToConnectedRecipient(t *testing.T) {
	tg := newTestGateway(t, "")
	alice := tg.createUser(t, "Alice")
	bob := tg.createUser(t, "Bob")

	server, client := relay.Pipe(8)
	_, err := tg.manager.Register(context.Background(), bob, server)
	require.NoError(t, err)
	_, err = client.ReadFrame(context.Background()) // ack
	require.NoError(t, err)

	rec := tg.do(t, http.MethodPost, "/api/messages/send", alice, SendMessageRequest{RecipientName: "Bob", Message: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SendMessageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, http.StatusOK, resp.Status)

	data, err := client.ReadFrame(context.Background())
	require.NoError(t, err)
	var d relay.Delivery
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, "Alice", d.From)
	assert.Equal(t, "hello", d.Message)
	assert.Equal(t, resp.MessageID, d.MessageID)
}

func TestSendMessage_Errors(t *testing.T) {
	tg := newTestGateway(t, "relay:\n  max_message_bytes: 16\n")
	alice := tg.createUser(t, "Alice")
	tg.createUser(t, "Bob")

	tests := []struct {
		name    string
		userID  string
		body    any
		code    int
		message string
	}{
		{"missing user header", "", SendMessageRequest{RecipientName: "Bob", Message: "hi"}, http.StatusUnauthorized, "Authentication required"},
		{"unknown user", "nobody", SendMessageRequest{RecipientName: "Bob", Message: "hi"}, http.StatusUnauthorized, "Invalid user ID"},
		{"unknown recipient", alice, SendMessageRequest{RecipientName: "Carol", Message: "hi"}, http.StatusNotFound, "Recipient 'Carol' not found"},
		{"recipient match is case sensitive", alice, SendMessageRequest{RecipientName: "bob", Message: "hi"}, http.StatusNotFound, "Recipient 'bob' not found"},
		{"missing recipient", alice, SendMessageRequest{Message: "hi"}, http.StatusBadRequest, "recipient_name is required"},
		{"empty message", alice, SendMessageRequest{RecipientName: "Bob"}, http.StatusBadRequest, "message is required"},
		{"invalid json", alice, "{", http.StatusBadRequest, "Invalid request body"},
		{"message over limit", alice, SendMessageRequest{RecipientName: "Bob", Message: strings.Repeat("x", 17)}, http.StatusRequestEntityTooLarge, "Message too large"},
		{"body over limit", alice, SendMessageRequest{RecipientName: "Bob", Message: strings.Repeat("x", 8<<10)}, http.StatusRequestEntityTooLarge, "Message too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(t, http.MethodPost, "/api/messages/send", tt.userID, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, tt.message, decodeError(t, rec).Message)
		})
	}
	assert.Zero(t, tg.router.PendingCount())
}

func TestSendMessage_RateLimited(t *testing.T) {
	tg := newTestGateway(t, "relay:\n  send_rate: 0.001\n  send_burst: 2\n")
	alice := tg.createUser(t, "Alice")
	bob := tg.createUser(t, "Bob")

	send := func(userID string) int {
		return tg.do(t, http.MethodPost, "/api/messages/send", userID, SendMessageRequest{RecipientName: "Bob", Message: "hi"}).Code
	}

	assert.Equal(t, http.StatusAccepted, send(alice))
	assert.Equal(t, http.StatusAccepted, send(alice))

	rec := tg.do(t, http.MethodPost, "/api/messages/send", alice, SendMessageRequest{RecipientName: "Bob", Message: "hi"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", decodeError(t, rec).Message)

	// Limits are per sender.
	assert.Equal(t, http.StatusAccepted, tg.do(t, http.MethodPost, "/api/messages/send", bob, SendMessageRequest{RecipientName: "Alice", Message: "hi"}).Code)
	assert.Len(t, tg.router.Pending(bob), 2)
}

func TestSendMessage_BearerToken(t *testing.T) {
	tg := newTestGateway(t, "auth:\n  jwt_secret: "+strings.Repeat("s", 32)+"\n")
	alice := tg.createUser(t, "Alice")
	bob := tg.createUser(t, "Bob")
	tg.createUser(t, "Carol")

	send := func(userID, token string) int {
		body, _ := json.Marshal(SendMessageRequest{RecipientName: "Carol", Message: "hi"})
		req, _ := http.NewRequest(http.MethodPost, "/api/messages/send", strings.NewReader(string(body)))
		req.Header.Set("X-User-Id", userID)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		tg.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	aliceToken, err := tg.verifier.Generate(alice, 0)
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, send(alice, aliceToken))
	assert.Equal(t, http.StatusUnauthorized, send(alice, ""), "a secret makes the token mandatory")
	assert.Equal(t, http.StatusUnauthorized, send(bob, aliceToken), "subject must match the header")
	assert.Equal(t, http.StatusUnauthorized, send(alice, "garbage"))
}

func TestSenderLimiter_Disabled(t *testing.T) {
	l := newSenderLimiter(0, 5)
	assert.Nil(t, l)
	for range 100 {
		assert.True(t, l.Allow("anyone"))
	}
}
