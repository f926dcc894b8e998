package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"shellrelay/pkg/protocol"
)

// ToolCaller is the protocol session surface the orchestrator depends on.
// *protocol.Client implements it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (protocol.ToolCallResult, error)
	State() protocol.State
	Err() error
	Done() <-chan struct{}
	Close() error
}

// ClientFactory spawns the tool server and completes the handshake.
type ClientFactory func(ctx context.Context) (ToolCaller, error)

// NewClientFactory adapts protocol.New + Start into a ClientFactory.
func NewClientFactory(dial protocol.Dialer, opts protocol.Options, log *slog.Logger) ClientFactory {
	return func(ctx context.Context) (ToolCaller, error) {
		client := protocol.New(dial, opts, log)
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}
}

// ErrToolServerUnavailable is returned once the supervisor has given up.
var ErrToolServerUnavailable = errors.New("tool server unavailable")

// clientSupervisor owns the current protocol session and replaces it after it
// fails, up to maxRestarts successive attempts without a successful call.
type clientSupervisor struct {
	factory     ClientFactory
	restart     bool
	maxRestarts int
	log         *slog.Logger

	// restartMu serializes replacements; spawn and handshake run under it
	// so status readers taking mu are never blocked by a restart.
	restartMu sync.Mutex

	mu       sync.Mutex
	current  ToolCaller
	attempts int
	restarts int
	terminal error
	closed   bool

	fatal     chan struct{}
	fatalOnce sync.Once
}

func newClientSupervisor(factory ClientFactory, restart bool, maxRestarts int, log *slog.Logger) *clientSupervisor {
	if maxRestarts < 0 {
		maxRestarts = 0
	}

	return &clientSupervisor{
		factory:     factory,
		restart:     restart,
		maxRestarts: maxRestarts,
		log:         log.With("component", "gateway.supervisor"),
		fatal:       make(chan struct{}),
	}
}

// Start opens the first session. A failure here is a startup failure.
func (s *clientSupervisor) Start(ctx context.Context) error {
	client, err := s.factory(ctx)
	if err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	s.mu.Lock()
	s.current = client
	s.mu.Unlock()

	if !s.restart {
		go s.watch(ctx, client)
	}
	return nil
}

// watch turns a failed session into a terminal state when restarts are off.
func (s *clientSupervisor) watch(ctx context.Context, client ToolCaller) {
	select {
	case <-ctx.Done():
		return
	case <-client.Done():
	}

	if client.State() == protocol.StateFailed {
		s.mu.Lock()
		s.giveUp(fmt.Errorf("%w: session failed and restart is disabled: %v", ErrToolServerUnavailable, client.Err()))
		s.mu.Unlock()
	}
}

// Get returns a usable session, replacing a failed one when allowed.
func (s *clientSupervisor) Get(ctx context.Context) (ToolCaller, error) {
	if client, ok, err := s.usable(); ok {
		return client, err
	}

	s.restartMu.Lock()
	defer s.restartMu.Unlock()

	// Another caller may have replaced the session while this one waited.
	if client, ok, err := s.usable(); ok {
		return client, err
	}

	s.mu.Lock()
	failed := s.current
	s.mu.Unlock()

	cause := failed.Err()
	if !s.restart {
		s.mu.Lock()
		s.giveUp(fmt.Errorf("%w: session failed and restart is disabled: %v", ErrToolServerUnavailable, cause))
		err := s.terminal
		s.mu.Unlock()
		return nil, err
	}

	s.log.Warn("Tool server session failed", "error", cause)
	_ = failed.Close()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: supervisor closed", ErrToolServerUnavailable)
		}
		if s.attempts >= s.maxRestarts {
			s.giveUp(fmt.Errorf("%w: gave up after %d restart attempts: %v", ErrToolServerUnavailable, s.attempts, cause))
			err := s.terminal
			s.mu.Unlock()
			return nil, err
		}
		s.attempts++
		s.restarts++
		attempt, restarts := s.attempts, s.restarts
		s.mu.Unlock()

		client, err := s.factory(ctx)
		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = client.Close()
				return nil, fmt.Errorf("%w: supervisor closed", ErrToolServerUnavailable)
			}
			s.current = client
			s.mu.Unlock()

			s.log.Info("Tool server restarted", "attempt", attempt, "restarts", restarts)
			return client, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		cause = err
		s.log.Error("Tool server restart failed", "attempt", attempt, "max_restarts", s.maxRestarts, "error", err)
	}
}

// usable reports ok when Get can answer without a restart.
func (s *clientSupervisor) usable() (ToolCaller, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.terminal != nil:
		return nil, true, s.terminal
	case s.closed:
		return nil, true, fmt.Errorf("%w: supervisor closed", ErrToolServerUnavailable)
	case s.current == nil:
		return nil, true, fmt.Errorf("%w: not started", ErrToolServerUnavailable)
	case s.current.State() != protocol.StateFailed:
		return s.current, true, nil
	default:
		return nil, false, nil
	}
}

// MarkHealthy resets the successive-failure budget after client served a call.
func (s *clientSupervisor) MarkHealthy(client ToolCaller) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if client == s.current {
		s.attempts = 0
	}
}

// giveUp must be called with s.mu held.
func (s *clientSupervisor) giveUp(err error) {
	if s.terminal != nil {
		return
	}

	s.terminal = err
	s.log.Error("Tool server supervisor entered terminal state", "error", err)
	s.fatalOnce.Do(func() { close(s.fatal) })
}

// Fatal is closed when the supervisor has given up.
func (s *clientSupervisor) Fatal() <-chan struct{} {
	return s.fatal
}

func (s *clientSupervisor) Terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *clientSupervisor) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.terminal != nil:
		return protocol.StateFailed
	case s.current == nil:
		return protocol.StateUninitialized
	default:
		return s.current.State()
	}
}

func (s *clientSupervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *clientSupervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.current != nil {
		_ = s.current.Close()
	}
}
