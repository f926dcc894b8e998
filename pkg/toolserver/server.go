// Package toolserver exposes the command planner as a tool over the MCP
// stdio transport. It is the default tool server the gateway launches.
package toolserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"shellrelay/pkg/protocol"
)

const (
	ServerName     = "shellrelay-planner"
	DefaultVersion = "dev"
	DefaultTool    = "plan_commands"
)

// Planner turns an instruction into commands.
type Planner interface {
	Plan(ctx context.Context, instruction string) ([]protocol.CommandSpec, error)
}

type PlanInput struct {
	Instruction string `json:"instruction" jsonschema:"natural-language description of what to do on the host"`
}

type PlanOutput struct {
	Commands []protocol.CommandSpec `json:"commands" jsonschema:"shell commands to run in order"`
}

type Options struct {
	Version  string
	ToolName string
}

type Server struct {
	planner Planner
	server  *mcp.Server
	log     *slog.Logger
}

func New(planner Planner, opts Options, log *slog.Logger) (*Server, error) {
	if planner == nil {
		return nil, errors.New("planner is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(opts.Version) == "" {
		opts.Version = DefaultVersion
	}
	if strings.TrimSpace(opts.ToolName) == "" {
		opts.ToolName = DefaultTool
	}

	s := &Server{
		planner: planner,
		log:     log.With("component", "toolserver"),
	}
	s.server = mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: opts.Version}, nil)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        opts.ToolName,
		Title:       "Plan shell commands",
		Description: "Turns a natural-language instruction into an ordered list of shell commands. Returns an empty list when nothing should be run.",
	}, s.plan)

	return s, nil
}

func (s *Server) plan(ctx context.Context, _ *mcp.CallToolRequest, in PlanInput) (*mcp.CallToolResult, PlanOutput, error) {
	instruction := strings.TrimSpace(in.Instruction)
	if instruction == "" {
		return nil, PlanOutput{}, errors.New("instruction is required")
	}

	startedAt := time.Now()
	commands, err := s.planner.Plan(ctx, instruction)
	if err != nil {
		s.log.Warn("Planning failed", "error", err, "duration_ms", time.Since(startedAt).Milliseconds())
		return nil, PlanOutput{}, fmt.Errorf("plan commands: %w", err)
	}
	if commands == nil {
		commands = []protocol.CommandSpec{}
	}

	s.log.Info("Planned instruction", "commands", len(commands), "duration_ms", time.Since(startedAt).Milliseconds())
	return nil, PlanOutput{Commands: commands}, nil
}

// Run serves on t until the peer disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	s.log.Info("Tool server started", "name", ServerName)
	err := s.server.Run(ctx, t)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("Tool server stopped")
	return nil
}

// RunStdio serves on the process stdin/stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer exposes the underlying server for in-process connections.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
