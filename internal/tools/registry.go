// ABOUTME: Registry of builtin tools and per-session merging of external provider tools
// ABOUTME: Providers initialize concurrently; failures are logged and never reach the model

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/cohora-gateway/internal/metrics"
)

// ProviderKind identifies the transport of an external provider.
type ProviderKind string

const (
	ProviderStdio  ProviderKind = "stdio"
	ProviderStream ProviderKind = "stream"
)

// StdioSpec launches a provider as a child process speaking over stdin/stdout.
type StdioSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// StreamSpec connects to a provider over HTTP. Transport selects "sse"
// (the default) or "streamable".
type StreamSpec struct {
	URL       string
	Transport string
}

// ProviderSpec describes one external tool provider. Exactly one of Stdio
// and Stream is set, matching Kind.
type ProviderSpec struct {
	Name   string
	Kind   ProviderKind
	Stdio  *StdioSpec
	Stream *StreamSpec
}

// Validate checks that the variant matches Kind.
func (s ProviderSpec) Validate() error {
	switch s.Kind {
	case ProviderStdio:
		if s.Stdio == nil || s.Stdio.Command == "" || s.Stream != nil {
			return fmt.Errorf("stdio provider %q requires a command", s.Name)
		}
	case ProviderStream:
		if s.Stream == nil || s.Stream.URL == "" || s.Stdio != nil {
			return fmt.Errorf("stream provider %q requires a url", s.Name)
		}
		switch s.Stream.Transport {
		case "", "sse", "streamable":
		default:
			return fmt.Errorf("stream provider %q: unknown transport %q", s.Name, s.Stream.Transport)
		}
	default:
		return fmt.Errorf("provider %q: unknown kind %q", s.Name, s.Kind)
	}
	return nil
}

// Provider is an initialized external provider and the tools it exposes.
type Provider interface {
	Name() string
	Tools() []Tool
	Close() error
}

// Initializer starts providers from their specs.
type Initializer interface {
	Initialize(ctx context.Context, spec ProviderSpec) (Provider, error)
}

// ProviderFailure records a provider that could not be initialized.
type ProviderFailure struct {
	Name string
	Err  error
}

// Merged is the tool set of one session plus the providers backing it.
type Merged struct {
	Set       *ToolSet
	Failures  []ProviderFailure
	providers []Provider
}

// Close releases every provider session.
func (m *Merged) Close() error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing provider %s: %w", p.Name(), err))
		}
	}
	m.providers = nil
	return errors.Join(errs...)
}

// RegistryOptions tunes a Registry. Zero values select defaults.
type RegistryOptions struct {
	InitTimeout time.Duration
	MaxParallel int
	Metrics     *metrics.Metrics
}

// Registry holds the process-wide builtin tools.
type Registry struct {
	mu       sync.RWMutex
	builtins *ToolSet

	init        Initializer
	initTimeout time.Duration
	maxParallel int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewRegistry creates a registry. initializer may be nil when no external
// providers are supported.
func NewRegistry(initializer Initializer, opts RegistryOptions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InitTimeout <= 0 {
		opts.InitTimeout = 30 * time.Second
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 4
	}
	return &Registry{
		builtins:    NewToolSet(),
		init:        initializer,
		initTimeout: opts.InitTimeout,
		maxParallel: opts.MaxParallel,
		metrics:     opts.Metrics,
		logger:      logger.With("component", "tools"),
	}
}

// RegisterBuiltin adds a process-wide tool.
func (r *Registry) RegisterBuiltin(t Tool) error {
	name := t.Definition().Name
	if name == "" {
		return errors.New("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builtins.Get(name); exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.builtins.Put(t)
	r.logger.Debug("builtin tool registered", "tool", name)
	return nil
}

// Builtins returns a copy of the builtin tools.
func (r *Registry) Builtins() *ToolSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builtins.Clone()
}

// MergeForSession initializes specs concurrently and overlays their tools on
// the builtins in spec order, so the last spec wins a name collision. A
// provider that fails is recorded in Failures and contributes nothing.
func (r *Registry) MergeForSession(ctx context.Context, specs []ProviderSpec) *Merged {
	merged := &Merged{Set: r.Builtins()}
	if len(specs) == 0 {
		return merged
	}

	results := make([]Provider, len(specs))
	errs := make([]error, len(specs))

	var g errgroup.Group
	g.SetLimit(r.maxParallel)
	for i, spec := range specs {
		g.Go(func() error {
			results[i], errs[i] = r.initialize(ctx, spec)
			return nil
		})
	}
	_ = g.Wait()

	for i, spec := range specs {
		if errs[i] != nil {
			r.metrics.ProviderInitError(string(spec.Kind))
			r.logger.Warn("provider initialization failed, continuing without it",
				"provider", spec.Name,
				"kind", spec.Kind,
				"error", errs[i],
			)
			merged.Failures = append(merged.Failures, ProviderFailure{Name: spec.Name, Err: errs[i]})
			continue
		}

		p := results[i]
		merged.providers = append(merged.providers, p)
		for _, t := range p.Tools() {
			if merged.Set.Put(t) {
				r.logger.Debug("provider tool overrides existing tool",
					"provider", spec.Name,
					"tool", t.Definition().Name,
				)
			}
		}
		r.logger.Info("provider ready", "provider", spec.Name, "tools", len(p.Tools()))
	}
	return merged
}

func (r *Registry) initialize(ctx context.Context, spec ProviderSpec) (Provider, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderInit, err)
	}
	if r.init == nil {
		return nil, fmt.Errorf("%w: no provider adapter configured", ErrProviderInit)
	}

	ctx, cancel := context.WithTimeout(ctx, r.initTimeout)
	defer cancel()

	p, err := r.init.Initialize(ctx, spec)
	if err != nil {
		if !errors.Is(err, ErrProviderInit) {
			err = fmt.Errorf("%w: %w", ErrProviderInit, err)
		}
		return nil, err
	}
	return p, nil
}
