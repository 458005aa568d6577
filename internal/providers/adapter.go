// ABOUTME: MCP client adapter that initializes providers and lists their tools
// ABOUTME: Stdio, SSE and streamable transports; tools are wrapped as tools.Tool

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389/cohora-gateway/internal/tools"
)

// Client identity announced to providers.
const (
	ClientName    = "cohora-gateway"
	ClientVersion = "1.0.0"
)

// TransportFactory builds the MCP transport for a spec.
type TransportFactory func(spec tools.ProviderSpec) (mcp.Transport, error)

// Adapter initializes providers. It implements tools.Initializer.
type Adapter struct {
	logger       *slog.Logger
	newTransport TransportFactory
	httpClient   *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTransportFactory replaces how transports are built.
func WithTransportFactory(f TransportFactory) Option {
	return func(a *Adapter) { a.newTransport = f }
}

// WithHTTPClient sets the client used by stream transports.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// NewAdapter creates an adapter.
func NewAdapter(logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{logger: logger.With("component", "providers")}
	for _, opt := range opts {
		opt(a)
	}
	if a.newTransport == nil {
		a.newTransport = a.defaultTransport
	}
	return a
}

func (a *Adapter) defaultTransport(spec tools.ProviderSpec) (mcp.Transport, error) {
	switch spec.Kind {
	case tools.ProviderStdio:
		// Not CommandContext: the process must outlive the init deadline.
		cmd := exec.Command(spec.Stdio.Command, spec.Stdio.Args...)
		cmd.Env = mergeEnv(os.Environ(), spec.Stdio.Env)
		cmd.Stderr = &logWriter{logger: a.logger.With("provider", spec.Name)}
		return &mcp.CommandTransport{Command: cmd}, nil

	case tools.ProviderStream:
		if spec.Stream.Transport == "streamable" {
			return &mcp.StreamableClientTransport{Endpoint: spec.Stream.URL, HTTPClient: a.httpClient}, nil
		}
		return &mcp.SSEClientTransport{Endpoint: spec.Stream.URL, HTTPClient: a.httpClient}, nil

	default:
		return nil, fmt.Errorf("unknown provider kind %q", spec.Kind)
	}
}

// Initialize connects to the provider described by spec and lists its
// tools. ctx bounds only the handshake and listing; the returned provider
// stays connected until Close.
func (a *Adapter) Initialize(ctx context.Context, spec tools.ProviderSpec) (tools.Provider, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", tools.ErrProviderInit, err)
	}

	transport, err := a.newTransport(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", tools.ErrProviderInit, spec.Name, err)
	}

	life, cancelLife := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancelLife)

	client := mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: ClientVersion}, nil)
	session, err := client.Connect(life, transport, nil)
	if err != nil {
		stop()
		cancelLife()
		return nil, fmt.Errorf("%w: %s: connecting: %w", tools.ErrProviderInit, spec.Name, err)
	}

	p := &provider{name: spec.Name, session: session, cancel: cancelLife}

	listed, err := listTools(ctx, session)
	if err == nil && !stop() {
		err = ctx.Err()
	}
	if err != nil {
		stop()
		_ = p.Close()
		return nil, fmt.Errorf("%w: %s: listing tools: %w", tools.ErrProviderInit, spec.Name, err)
	}

	for _, t := range listed {
		p.tools = append(p.tools, newRemoteTool(spec.Name, t, session))
	}

	a.logger.Info("=== PROVIDER CONNECTED ===",
		"provider", spec.Name,
		"kind", spec.Kind,
		"tools", len(p.tools),
	)
	return p, nil
}

// listTools pages through tools/list until the cursor runs out.
func listTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	var out []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

type provider struct {
	name    string
	session *mcp.ClientSession
	tools   []tools.Tool
	cancel  context.CancelFunc
}

func (p *provider) Name() string        { return p.name }
func (p *provider) Tools() []tools.Tool { return p.tools }

func (p *provider) Close() error {
	defer p.cancel()
	return p.session.Close()
}

type remoteTool struct {
	def     tools.Definition
	session *mcp.ClientSession
}

func newRemoteTool(providerName string, t *mcp.Tool, session *mcp.ClientSession) *remoteTool {
	params := tools.EmptySchema
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			params = raw
		}
	}

	label := t.Title
	if label == "" && t.Annotations != nil {
		label = t.Annotations.Title
	}
	if label == "" {
		label = t.Name
	}

	return &remoteTool{
		def: tools.Definition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
			Display: tools.Display{
				ExecutingLabel: fmt.Sprintf("Running %s (%s)", label, providerName),
				DoneLabel:      fmt.Sprintf("Ran %s (%s)", label, providerName),
				Icon:           "🔧",
			},
		},
		session: session,
	}
}

func (t *remoteTool) Definition() tools.Definition { return t.def }

func (t *remoteTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      t.def.Name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", tools.ErrToolExecution, t.def.Name, err)
	}

	text := contentText(res)
	if res.IsError {
		return "", fmt.Errorf("%w: %s", tools.ErrToolExecution, text)
	}
	return text, nil
}

// contentText concatenates the text content of a result. Results with only
// structured content fall back to its JSON encoding.
func contentText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			return string(raw)
		}
	}
	return strings.Join(parts, "\n")
}

// mergeEnv overlays extra onto base, replacing variables with the same name.
func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; !overridden {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// logWriter forwards provider stderr to the logger line by line.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.logger.Debug("provider stderr", "line", line)
		}
	}
	return len(p), nil
}
