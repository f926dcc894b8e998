// Package planner turns a natural-language instruction into a command list
// using a language-model backend. It powers the built-in tool server.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shellrelay/pkg/config"
	plannerfantasy "shellrelay/pkg/planner/fantasy"
	planneropenai "shellrelay/pkg/planner/openai"
	"shellrelay/pkg/planner/opencode"
	"shellrelay/pkg/planner/profile"
	"shellrelay/pkg/protocol"
)

// Backend completes one prompt under a system prompt.
type Backend interface {
	Health(ctx context.Context) error
	Complete(ctx context.Context, system string, prompt string) (string, error)
}

type Planner struct {
	backend Backend
	system  string
	log     *slog.Logger
}

// NewBackend resolves the configured provider.
func NewBackend(cfg config.PlannerConfig) (Backend, error) {
	providerID := strings.TrimSpace(cfg.Provider)
	if providerID == "" {
		providerID = "openai"
	}

	slog.Default().With("component", "planner.factory").Debug("Resolving planner backend", "provider", providerID)

	switch providerID {
	case "openai":
		return planneropenai.New(cfg)
	case "opencode":
		return opencode.New(cfg)
	case "fantasy":
		return plannerfantasy.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported planner provider: %s", providerID)
	}
}

// New builds a planner around backend. An empty system selects the built-in
// planning prompt.
func New(backend Backend, system string, log *slog.Logger) (*Planner, error) {
	if backend == nil {
		return nil, errors.New("planner backend is required")
	}
	if log == nil {
		log = slog.Default()
	}

	resolved, err := profile.ResolveSystemPrompt(system)
	if err != nil {
		return nil, fmt.Errorf("resolve planner prompt: %w", err)
	}

	return &Planner{
		backend: backend,
		system:  resolved,
		log:     log.With("component", "planner"),
	}, nil
}

// NewFromConfig wires the configured backend and prompt.
func NewFromConfig(cfg config.PlannerConfig, log *slog.Logger) (*Planner, error) {
	backend, err := NewBackend(cfg)
	if err != nil {
		return nil, err
	}
	return New(backend, cfg.SystemPrompt, log)
}

func (p *Planner) Health(ctx context.Context) error {
	return p.backend.Health(ctx)
}

// Plan asks the backend for commands. The result is never nil, so an
// instruction that needs no action encodes as an empty list.
func (p *Planner) Plan(ctx context.Context, instruction string) ([]protocol.CommandSpec, error) {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return nil, errors.New("instruction is required")
	}

	startedAt := time.Now()
	text, err := p.backend.Complete(ctx, p.system, instruction)
	if err != nil {
		p.log.Warn("Planner request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, err
	}

	commands, err := protocol.ParseCommandList(text)
	if err != nil {
		p.log.Warn("Planner returned an unusable reply", "error", err, "reply_length", len(text))
		return nil, err
	}
	if commands == nil {
		commands = []protocol.CommandSpec{}
	}

	p.log.Info("Planned commands", "commands", len(commands), "duration_ms", time.Since(startedAt).Milliseconds())
	return commands, nil
}
