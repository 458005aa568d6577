// ABOUTME: MCP server exposing the relay builtin tools to external MCP clients
// ABOUTME: Stateless streamable HTTP transport; every request acts as its authenticated user

package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/cohora-gateway/internal/auth"
	"github.com/2389/cohora-gateway/internal/metrics"
	"github.com/2389/cohora-gateway/internal/tools"
)

// Server identity announced to clients.
const (
	ServerName    = "cohora-gateway"
	ServerVersion = "1.0.0"
)

// InboxAttacher gives a tool call a relay inbox for the calling user.
// *conversation.Service implements it.
type InboxAttacher interface {
	AttachInbox(ctx context.Context, userID string) (context.Context, func())
}

// Config holds configuration for the MCP server.
type Config struct {
	Tools   *tools.ToolSet
	Inbox   InboxAttacher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server serves MCP over streamable HTTP. It must sit behind auth.Middleware.
type Server struct {
	tools   *tools.ToolSet
	inbox   InboxAttacher
	metrics *metrics.Metrics
	logger  *slog.Logger
	handler http.Handler
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Tools == nil || cfg.Tools.Len() == 0 {
		return nil, errors.New("at least one tool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		tools:   cfg.Tools,
		inbox:   cfg.Inbox,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "mcp"),
	}
	s.handler = sdk.NewStreamableHTTPHandler(s.serverFor, &sdk.StreamableHTTPOptions{Stateless: true})
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// serverFor builds a server bound to the identity of r. Stateless mode calls
// it for every request, so a session can never change hands.
func (s *Server) serverFor(r *http.Request) *sdk.Server {
	id := auth.FromContext(r.Context())
	if id == nil {
		return nil
	}

	srv := sdk.NewServer(&sdk.Implementation{Name: ServerName, Version: ServerVersion}, nil)
	for _, def := range s.tools.Definitions() {
		srv.AddTool(&sdk.Tool{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		}, s.callTool(*id, def.Name))
	}
	return srv
}

func (s *Server) callTool(id auth.Identity, name string) sdk.ToolHandler {
	return func(ctx context.Context, req *sdk.CallToolRequest) (*sdk.CallToolResult, error) {
		ctx = tools.WithEnv(ctx, tools.Env{UserID: id.UserID, DisplayName: id.DisplayName, SessionID: "mcp"})
		if s.inbox != nil {
			var release func()
			ctx, release = s.inbox.AttachInbox(ctx, id.UserID)
			defer release()
		}

		inv := tools.NewInvocation(uuid.New().String(), name)
		if req.Params != nil {
			_ = inv.AppendArgs(string(req.Params.Arguments))
		}
		_ = inv.Complete()
		_ = inv.Execute(ctx, s.tools)

		out, err := inv.Result()
		if err != nil {
			s.metrics.ToolInvocation(name, "error")
			s.logger.Warn("tool call failed", "tool", name, "user_id", id.UserID, "error", err)
			return &sdk.CallToolResult{
				IsError: true,
				Content: []sdk.Content{&sdk.TextContent{Text: err.Error()}},
			}, nil
		}

		s.metrics.ToolInvocation(name, "ok")
		s.logger.Debug("tool call finished", "tool", name, "user_id", id.UserID)
		return &sdk.CallToolResult{Content: []sdk.Content{&sdk.TextContent{Text: out}}}, nil
	}
}
