// ABOUTME: Per-user tool provider registration backed by the provider store
// ABOUTME: Converts stored records into the specs the tool registry merges per turn

package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cohora-gateway/internal/store"
	"github.com/2389/cohora-gateway/internal/tools"
)

// ErrProviderNotAllowed is returned when the provider policy refuses a spec.
var ErrProviderNotAllowed = errors.New("provider not allowed")

// ProviderPolicy limits what users may register. The zero value allows only
// stream providers.
type ProviderPolicy struct {
	// AllowStdio permits providers that run a command on the gateway host.
	AllowStdio bool
	// StdioCommands, when non-empty, lists the only commands stdio
	// providers may run.
	StdioCommands []string
}

// Check returns ErrProviderNotAllowed when spec may not be used.
func (p ProviderPolicy) Check(spec tools.ProviderSpec) error {
	if spec.Kind != tools.ProviderStdio {
		return nil
	}
	if !p.AllowStdio {
		return fmt.Errorf("%w: stdio providers are disabled on this gateway", ErrProviderNotAllowed)
	}
	if len(p.StdioCommands) > 0 && (spec.Stdio == nil || !slices.Contains(p.StdioCommands, spec.Stdio.Command)) {
		return fmt.Errorf("%w: command is not in the allowed list", ErrProviderNotAllowed)
	}
	return nil
}

// RegisterProvider validates spec and stores it for userID.
func (s *Service) RegisterProvider(ctx context.Context, userID string, spec tools.ProviderSpec) (*store.ToolProvider, error) {
	if _, ok := s.deps.Users.Lookup(userID); !ok {
		return nil, fmt.Errorf("registering provider: unknown user %q", userID)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := s.deps.Providers.Check(spec); err != nil {
		s.logger.Warn("provider refused", "user_id", userID, "provider", spec.Name, "kind", spec.Kind, "error", err)
		return nil, err
	}

	p := toRecord(spec)
	p.ID = uuid.New().String()
	p.UserID = userID
	p.CreatedAt = time.Now()
	if err := s.deps.Store.CreateProvider(ctx, p); err != nil {
		return nil, fmt.Errorf("storing provider: %w", err)
	}

	s.logger.Info("provider registered", "user_id", userID, "provider", spec.Name, "kind", spec.Kind)
	return p, nil
}

// ListProviders returns the providers registered by userID.
func (s *Service) ListProviders(ctx context.Context, userID string) ([]*store.ToolProvider, error) {
	return s.deps.Store.ListProviders(ctx, userID)
}

// DeleteProvider removes one of userID's providers.
func (s *Service) DeleteProvider(ctx context.Context, userID, id string) error {
	return s.deps.Store.DeleteProvider(ctx, userID, id)
}

func (s *Service) providerSpecs(ctx context.Context, userID string) ([]tools.ProviderSpec, error) {
	records, err := s.deps.Store.ListProviders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading providers: %w", err)
	}
	specs := make([]tools.ProviderSpec, 0, len(records))
	for _, p := range records {
		spec := ToSpec(p)
		// Records stored under a looser policy are never launched.
		if err := s.deps.Providers.Check(spec); err != nil {
			s.logger.Warn("skipping provider", "user_id", userID, "provider", p.Name, "error", err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// ToSpec converts a stored provider into a registry spec.
func ToSpec(p *store.ToolProvider) tools.ProviderSpec {
	spec := tools.ProviderSpec{Name: p.Name, Kind: tools.ProviderKind(p.Kind)}
	switch p.Kind {
	case store.ProviderKindStdio:
		spec.Stdio = &tools.StdioSpec{Command: p.Command, Args: p.Args, Env: p.Env}
	case store.ProviderKindStream:
		spec.Stream = &tools.StreamSpec{URL: p.URL, Transport: p.Transport}
	}
	return spec
}

func toRecord(spec tools.ProviderSpec) *store.ToolProvider {
	p := &store.ToolProvider{Name: spec.Name, Kind: store.ProviderKind(spec.Kind)}
	if spec.Stdio != nil {
		p.Command = spec.Stdio.Command
		p.Args = spec.Stdio.Args
		p.Env = spec.Stdio.Env
	}
	if spec.Stream != nil {
		p.URL = spec.Stream.URL
		p.Transport = spec.Stream.Transport
	}
	return p
}
