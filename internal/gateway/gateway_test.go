// ABOUTME: Tests for gateway construction, health endpoints and lifecycle
// ABOUTME: Shared helpers build a gateway on a temp SQLite database with a scripted model

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/config"
	"github.com/2389/cohora-gateway/internal/model"
	"github.com/2389/cohora-gateway/internal/store"
	"github.com/2389/cohora-gateway/internal/tools"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig parses a minimal YAML config so defaults apply. extra is
// appended verbatim and may add whole sections.
func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	raw := "server:\n  http_addr: 127.0.0.1:0\n" +
		"database:\n  path: " + filepath.Join(t.TempDir(), "gateway.db") + "\n" +
		extra
	cfg, err := config.Parse([]byte(raw), false)
	require.NoError(t, err)
	return cfg
}

type testGateway struct {
	*Gateway
	model *model.Scripted
}

func newTestGateway(t *testing.T, extra string, opts ...Option) *testGateway {
	t.Helper()
	scripted := &model.Scripted{}
	opts = append([]Option{WithModel(scripted), WithToolInitializer(failingInitializer{})}, opts...)

	gw, err := New(testConfig(t, extra), testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{Gateway: gw, model: scripted}
}

func (tg *testGateway) createUser(t *testing.T, name string) string {
	t.Helper()
	u, err := tg.users.Create(context.Background(), name)
	require.NoError(t, err)
	return u.ID
}

// do sends a request through the gateway handler. body may be nil, a string
// sent verbatim, or a value encoded as JSON.
func (tg *testGateway) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	tg.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, rec.Code, resp.Detail.Code)
	return resp.Detail
}

type failingInitializer struct{}

func (failingInitializer) Initialize(ctx context.Context, spec tools.ProviderSpec) (tools.Provider, error) {
	return nil, assert.AnError
}

func TestNew_LoadsPersistedUsers(t *testing.T) {
	cfg := testConfig(t, "")

	gw, err := New(cfg, testLogger(), WithModel(&model.Scripted{}))
	require.NoError(t, err)
	u, err := gw.users.Create(context.Background(), "Alice")
	require.NoError(t, err)
	require.NoError(t, gw.Shutdown(context.Background()))

	gw2, err := New(cfg, testLogger(), WithModel(&model.Scripted{}))
	require.NoError(t, err)
	defer gw2.Shutdown(context.Background())

	got, ok := gw2.users.Lookup(u.ID)
	require.True(t, ok)
	assert.Equal(t, "Alice", got.DisplayName)
}

func TestNew_RejectsWeakJWTSecret(t *testing.T) {
	_, err := New(testConfig(t, "auth:\n  jwt_secret: short\n"), testLogger(), WithStore(store.NewMockStore()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT")
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, "")

	rec := tg.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = tg.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}

func TestReady_FailsAfterShutdown(t *testing.T) {
	tg := newTestGateway(t, "")
	require.NoError(t, tg.Shutdown(context.Background()))

	rec := tg.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		tg := newTestGateway(t, "metrics:\n  enabled: true\n")
		alice := tg.createUser(t, "Alice")
		tg.createUser(t, "Bob")

		rec := tg.do(t, http.MethodPost, "/api/messages/send", alice, SendMessageRequest{RecipientName: "Bob", Message: "hi"})
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = tg.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `cohora_relay_messages_total{outcome="queued"} 1`)
		assert.Contains(t, body, "cohora_relay_pending_messages 1")
	})

	t.Run("disabled", func(t *testing.T) {
		tg := newTestGateway(t, "")
		rec := tg.do(t, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	tg := newTestGateway(t, "")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	_, err = http.Get(url)
	assert.Error(t, err)
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/cohora")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/cohora", dir)

	t.Setenv("HOME", "/home/test")
	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/test", ".local", "share", "cohora-gateway", "tailscale"), dir)
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	t.Setenv("TS_AUTHKEY", "")
	_, err = resolveTailscaleAuthKey("")
	assert.Error(t, err)
}

func TestInboxHeartbeatInterval(t *testing.T) {
	cfg := testConfig(t, "relay:\n  heartbeat_interval: \"1s\"\n  heartbeat_timeout: \"3s\"\n")
	assert.Equal(t, time.Second, inboxHeartbeatInterval(cfg.Relay))

	cfg = testConfig(t, "")
	assert.Equal(t, config.DefaultHeartbeatTimeout/3, inboxHeartbeatInterval(cfg.Relay))
}
