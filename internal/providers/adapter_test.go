// ABOUTME: Tests for the MCP provider adapter
// ABOUTME: Runs real MCP servers over in-memory and streamable HTTP transports

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cohora-gateway/internal/tools"
)

type echoArgs struct {
	Message string `json:"message"`
}

func newTestServer(pageSize int) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "0.0.1"}, &mcp.ServerOptions{PageSize: pageSize})
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Title: "Echo", Description: "Echo a message"},
		func(_ context.Context, _ *mcp.CallToolRequest, args echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{
					&mcp.TextContent{Text: "echo:"},
					&mcp.TextContent{Text: args.Message},
				},
			}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ echoArgs) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "disk on fire"}},
			}, nil, nil
		})
	for i := 0; i < 3; i++ {
		mcp.AddTool(server, &mcp.Tool{Name: fmt.Sprintf("extra_%d", i), Description: "filler"},
			func(_ context.Context, _ *mcp.CallToolRequest, _ echoArgs) (*mcp.CallToolResult, any, error) {
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil, nil
			})
	}
	return server
}

// inMemoryAdapter wires every stdio spec to a fresh in-memory server session.
func inMemoryAdapter(t *testing.T, server *mcp.Server) *Adapter {
	t.Helper()
	return NewAdapter(nil, WithTransportFactory(func(tools.ProviderSpec) (mcp.Transport, error) {
		serverT, clientT := mcp.NewInMemoryTransports()
		ss, err := server.Connect(context.Background(), serverT, nil)
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = ss.Close() })
		return clientT, nil
	}))
}

func memorySpec(name string) tools.ProviderSpec {
	return tools.ProviderSpec{Name: name, Kind: tools.ProviderStdio, Stdio: &tools.StdioSpec{Command: "in-memory"}}
}

func TestAdapter_InitializeListsAllPages(t *testing.T) {
	a := inMemoryAdapter(t, newTestServer(2))

	p, err := a.Initialize(context.Background(), memorySpec("local"))
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "local", p.Name())
	names := map[string]bool{}
	for _, tool := range p.Tools() {
		names[tool.Definition().Name] = true
	}
	assert.Len(t, names, 5)
	assert.True(t, names["echo"])
	assert.True(t, names["extra_2"])
}

func TestAdapter_ToolDefinitionAndInvoke(t *testing.T) {
	a := inMemoryAdapter(t, newTestServer(0))
	p, err := a.Initialize(context.Background(), memorySpec("local"))
	require.NoError(t, err)
	defer p.Close()

	set := tools.NewToolSet(p.Tools()...)
	echo, ok := set.Get("echo")
	require.True(t, ok)

	def := echo.Definition()
	assert.Equal(t, "Echo a message", def.Description)
	assert.Contains(t, string(def.Parameters), `"message"`)
	assert.Equal(t, "Running Echo (local)", def.Display.ExecutingLabel)

	out, err := echo.Invoke(context.Background(), []byte(`{"message":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "echo:\nhi", out)
}

func TestAdapter_ErrorResultBecomesExecutionError(t *testing.T) {
	a := inMemoryAdapter(t, newTestServer(0))
	p, err := a.Initialize(context.Background(), memorySpec("local"))
	require.NoError(t, err)
	defer p.Close()

	fail, ok := tools.NewToolSet(p.Tools()...).Get("fail")
	require.True(t, ok)

	_, err = fail.Invoke(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, tools.ErrToolExecution)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestAdapter_SurvivesInitContextCancel(t *testing.T) {
	a := inMemoryAdapter(t, newTestServer(0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	p, err := a.Initialize(ctx, memorySpec("local"))
	require.NoError(t, err)
	defer p.Close()
	cancel()

	echo, _ := tools.NewToolSet(p.Tools()...).Get("echo")
	out, err := echo.Invoke(context.Background(), []byte(`{"message":"still here"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "still here")
}

func TestAdapter_TransportFailure(t *testing.T) {
	a := NewAdapter(nil, WithTransportFactory(func(tools.ProviderSpec) (mcp.Transport, error) {
		return nil, errors.New("no such binary")
	}))

	_, err := a.Initialize(context.Background(), memorySpec("broken"))
	require.ErrorIs(t, err, tools.ErrProviderInit)
	assert.Contains(t, err.Error(), "no such binary")
}

func TestAdapter_InvalidSpec(t *testing.T) {
	a := NewAdapter(nil)
	_, err := a.Initialize(context.Background(), tools.ProviderSpec{Name: "x", Kind: tools.ProviderStream})
	assert.ErrorIs(t, err, tools.ErrProviderInit)
}

func TestAdapter_StreamableHTTP(t *testing.T) {
	server := newTestServer(0)
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	httpServer := httptest.NewServer(handler)
	defer httpServer.Close()

	a := NewAdapter(nil, WithHTTPClient(httpServer.Client()))
	spec := tools.ProviderSpec{
		Name:   "remote",
		Kind:   tools.ProviderStream,
		Stream: &tools.StreamSpec{URL: httpServer.URL, Transport: "streamable"},
	}

	p, err := a.Initialize(context.Background(), spec)
	require.NoError(t, err)
	defer p.Close()

	echo, ok := tools.NewToolSet(p.Tools()...).Get("echo")
	require.True(t, ok)
	out, err := echo.Invoke(context.Background(), []byte(`{"message":"over http"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "over http")
}

func TestAdapter_UnreachableStream(t *testing.T) {
	a := NewAdapter(nil)
	spec := tools.ProviderSpec{
		Name:   "gone",
		Kind:   tools.ProviderStream,
		Stream: &tools.StreamSpec{URL: "http://127.0.0.1:1/sse"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Initialize(ctx, spec)
	assert.ErrorIs(t, err, tools.ErrProviderInit)
}

func TestRegistryWithAdapter(t *testing.T) {
	a := inMemoryAdapter(t, newTestServer(0))
	r := tools.NewRegistry(a, tools.RegistryOptions{}, nil)

	merged := r.MergeForSession(context.Background(), []tools.ProviderSpec{
		memorySpec("local"),
		{Name: "bad", Kind: tools.ProviderStream, Stream: &tools.StreamSpec{URL: "http://x", Transport: "pigeon"}},
	})
	defer merged.Close()

	require.Len(t, merged.Failures, 1)
	_, ok := merged.Set.Get("echo")
	assert.True(t, ok)
}

func TestMergeEnv(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root", "TOKEN=old"}
	got := mergeEnv(base, map[string]string{"TOKEN": "new", "API_URL": "http://x"})

	assert.Equal(t, []string{"PATH=/usr/bin", "HOME=/root", "API_URL=http://x", "TOKEN=new"}, got)
	assert.Equal(t, base, mergeEnv(base, nil))
}
