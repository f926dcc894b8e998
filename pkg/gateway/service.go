// Package gateway runs the orchestration loop: poll the channel, filter by
// allow-list, ask the tool server for a command list, execute it and report
// back, then advance the channel offset.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/channel"
	"shellrelay/pkg/config"
	"shellrelay/pkg/executor"
	"shellrelay/pkg/protocol"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const (
	pollRetryDelay      = 2 * time.Second
	commitTimeout       = 5 * time.Second
	defaultMaxChats     = 4
	eventObserverBuffer = 256
)

// Executor runs one command list to completion. *executor.Pipeline implements it.
type Executor interface {
	RunAll(ctx context.Context, commands []executor.Command, workingDir string, perCommandTimeout time.Duration) executor.Report
}

// Committer is implemented by gateways that must be told explicitly which
// offset has been consumed before shutdown.
type Committer interface {
	Commit(ctx context.Context, offset int64) error
}

type Options struct {
	ToolName                 string
	ToolArgument             string
	AllowedChatIDs           []int64
	WorkingDir               string
	CommandTimeout           time.Duration
	EchoResult               bool
	AdvanceOnDeliveryFailure bool
	MaxConcurrentChats       int
	RestartOnFailure         bool
	MaxRestarts              int
	StatusListen             string
}

// OptionsFromConfig collects the orchestrator settings from a loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ToolName:                 cfg.MCP.ToolName,
		ToolArgument:             cfg.MCP.ToolArgument,
		AllowedChatIDs:           cfg.Telegram.AllowedChatIDs,
		WorkingDir:               cfg.Executor.WorkingDir,
		CommandTimeout:           cfg.Executor.Timeout(),
		EchoResult:               cfg.Executor.EchoResult,
		AdvanceOnDeliveryFailure: cfg.Telegram.AdvanceOnDeliveryFailure,
		MaxConcurrentChats:       cfg.Executor.MaxConcurrentChats,
		RestartOnFailure:         cfg.MCP.RestartOnFailure,
		MaxRestarts:              cfg.MCP.MaxRestarts,
		StatusListen:             cfg.Status.Listen,
	}
}

type Service struct {
	opts     Options
	gateway  channel.Gateway
	clients  *clientSupervisor
	pipeline Executor
	events   *bus.MessageBus
	allowed  map[int64]struct{}
	log      *slog.Logger

	// offset is owned by the Run loop.
	offset int64

	mu          sync.RWMutex
	startedAt   time.Time
	polling     bool
	lastPollErr string
	lastPollAt  time.Time
	eventCounts map[bus.EventType]int64
}

type statusResponse struct {
	Status          string                  `json:"status"`
	UptimeSeconds   int64                   `json:"uptime_seconds"`
	Channel         string                  `json:"channel"`
	Polling         bool                    `json:"polling"`
	LastPollAt      string                  `json:"last_poll_at,omitempty"`
	LastPollError   string                  `json:"last_poll_error,omitempty"`
	ToolServer      string                  `json:"tool_server"`
	ToolServerError string                  `json:"tool_server_error,omitempty"`
	Restarts        int                     `json:"restarts"`
	Offset          int64                   `json:"offset"`
	Events          map[bus.EventType]int64 `json:"events,omitempty"`
}

// cycleResult is what one message contributed to the offset decision.
type cycleResult int

const (
	cycleSkipped cycleResult = iota
	cycleReported
	cycleDeliveryFailed
)

func NewService(gw channel.Gateway, factory ClientFactory, pipeline Executor, events *bus.MessageBus, opts Options, log *slog.Logger) (*Service, error) {
	if gw == nil {
		return nil, errors.New("channel gateway is required")
	}
	if factory == nil {
		return nil, errors.New("tool client factory is required")
	}
	if pipeline == nil {
		return nil, errors.New("execution pipeline is required")
	}
	if opts.ToolName == "" {
		return nil, errors.New("tool name is required")
	}
	if opts.ToolArgument == "" {
		opts.ToolArgument = "instruction"
	}
	if opts.MaxConcurrentChats <= 0 {
		opts.MaxConcurrentChats = defaultMaxChats
	}
	if events == nil {
		events = bus.NewMessageBus()
	}
	if log == nil {
		log = slog.Default()
	}

	var allowed map[int64]struct{}
	if len(opts.AllowedChatIDs) > 0 {
		allowed = lo.SliceToMap(opts.AllowedChatIDs, func(id int64) (int64, struct{}) {
			return id, struct{}{}
		})
	}

	return &Service{
		opts:        opts,
		gateway:     gw,
		clients:     newClientSupervisor(factory, opts.RestartOnFailure, opts.MaxRestarts, log),
		pipeline:    pipeline,
		events:      events,
		allowed:     allowed,
		log:         log.With("component", "gateway.service", "channel", gw.Name()),
		eventCounts: make(map[bus.EventType]int64),
	}, nil
}

// Run starts the tool server and processes messages until ctx is canceled
// (nil error) or the tool server supervisor gives up (non-nil error).
// Startup failures are returned before any message is fetched.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.clients.Start(runCtx); err != nil {
		return err
	}
	defer s.clients.Close()

	if preparer, ok := s.gateway.(channel.Preparer); ok {
		if err := preparer.Prepare(runCtx); err != nil {
			return fmt.Errorf("prepare %s channel: %w", s.gateway.Name(), err)
		}
	}

	events, unsubscribe := s.events.SubscribeEvents(runCtx, eventObserverBuffer)
	defer unsubscribe()
	go s.observeEvents(events)

	serverErrors := make(chan error, 1)
	if s.opts.StatusListen != "" {
		go s.runStatusServer(runCtx, serverErrors)
	}

	go func() {
		select {
		case <-s.clients.Fatal():
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.log.Info("Gateway started", "tool", s.opts.ToolName, "echo_result", s.opts.EchoResult, "allowed_chats", len(s.allowed))
	s.setPolling(true)
	defer s.setPolling(false)

	for runCtx.Err() == nil {
		select {
		case err := <-serverErrors:
			return err
		default:
		}

		batch, err := s.gateway.FetchNext(runCtx, s.offset)
		s.recordPoll(err)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			s.log.Warn("Failed to fetch messages", "offset", s.offset, "error", err)
			select {
			case <-runCtx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		if len(batch) == 0 {
			continue
		}

		s.processBatch(runCtx, batch)
	}

	s.commitOffset()

	if err := s.clients.Terminal(); err != nil {
		return err
	}
	return nil
}

// Offset is the next channel offset the loop will fetch from.
func (s *Service) Offset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offset
}

// processBatch runs one polled batch and returns the offset to fetch next.
// Chats run concurrently; messages within one chat run in arrival order.
func (s *Service) processBatch(ctx context.Context, batch []bus.InboundMessage) int64 {
	results := make([]cycleResult, len(batch))

	admitted := lo.Filter(lo.Range(len(batch)), func(i int, _ int) bool {
		return s.admit(ctx, batch[i])
	})
	byChat := lo.GroupBy(admitted, func(i int) int64 {
		return batch[i].ChatID
	})
	chatOrder := lo.Uniq(lo.Map(admitted, func(i int, _ int) int64 {
		return batch[i].ChatID
	}))

	// finished[i] is false until an admitted message has run its whole cycle.
	finished := make([]bool, len(batch))
	for i := range finished {
		finished[i] = true
	}
	for _, i := range admitted {
		finished[i] = false
	}

	var group errgroup.Group
	group.SetLimit(s.opts.MaxConcurrentChats)
	for _, chatID := range chatOrder {
		queue := byChat[chatID]
		group.Go(func() error {
			for _, i := range queue {
				if ctx.Err() != nil {
					return nil
				}
				results[i] = s.processMessage(ctx, batch[i])
				finished[i] = ctx.Err() == nil
			}
			return nil
		})
	}
	_ = group.Wait()

	next := s.offset
	for i, msg := range batch {
		if !finished[i] {
			next = max(next, msg.Offset)
			break
		}
		if results[i] == cycleDeliveryFailed && !s.opts.AdvanceOnDeliveryFailure {
			s.log.Warn("Holding offset at undelivered report", "offset", msg.Offset, "chat_id", msg.ChatID)
			next = max(next, msg.Offset)
			break
		}
		next = max(next, msg.Offset+1)
	}

	s.mu.Lock()
	s.offset = next
	s.mu.Unlock()

	return next
}

// admit applies the text and allow-list filters. Rejected messages are
// acknowledged without reaching the tool server.
func (s *Service) admit(ctx context.Context, msg bus.InboundMessage) bool {
	if msg.Text == "" {
		return false
	}

	if s.allowed != nil {
		if _, ok := s.allowed[msg.ChatID]; !ok {
			s.log.Debug("Dropping message from chat outside allow-list", "chat_id", msg.ChatID, "sender_id", msg.SenderID)
			s.publish(ctx, bus.Event{Type: bus.EventDropped, Channel: msg.Channel, ChatID: msg.ChatID})
			return false
		}
	}

	return true
}

// processMessage runs one full cycle for an admitted message.
func (s *Service) processMessage(ctx context.Context, msg bus.InboundMessage) cycleResult {
	cycleID := uuid.NewString()
	log := s.log.With("cycle_id", cycleID, "chat_id", msg.ChatID)
	event := func(eventType bus.EventType) bus.Event {
		return bus.Event{Type: eventType, Channel: msg.Channel, ChatID: msg.ChatID, CycleID: cycleID}
	}

	log.Info("Received instruction", "sender_id", msg.SenderID, "offset", msg.Offset, "text", msg.Text)
	s.publish(ctx, event(bus.EventReceived))

	if typer, ok := s.gateway.(channel.Typer); ok {
		stop := typer.StartTyping(ctx, msg.ChatID)
		defer stop()
	}

	delivered := true
	reply := func(text string) {
		if !s.deliver(ctx, log, msg, cycleID, text) {
			delivered = false
		}
	}
	fail := func(stage string, err error) cycleResult {
		log.Warn("Cycle failed", "stage", stage, "error", err)
		failed := event(bus.EventFailed)
		failed.Error = err.Error()
		failed.Payload = map[string]string{"stage": stage}
		s.publish(ctx, failed)

		reply(FormatFailure(stage, err))
		return resultFor(delivered)
	}

	client, err := s.clients.Get(ctx)
	if err != nil {
		return fail("tool server unavailable", err)
	}

	result, err := client.CallTool(ctx, s.opts.ToolName, map[string]any{s.opts.ToolArgument: msg.Text})
	if err != nil {
		return fail("tool call failed", err)
	}
	s.clients.MarkHealthy(client)

	commands := toCommands(result.Commands)
	planned := event(bus.EventPlanned)
	planned.Payload = map[string]string{"commands": strconv.Itoa(len(commands))}
	s.publish(ctx, planned)
	log.Info("Tool returned commands", "commands", len(commands))

	if s.opts.EchoResult && len(commands) > 0 {
		reply(FormatPlan(commands))
	}

	report := s.pipeline.RunAll(ctx, commands, s.opts.WorkingDir, s.opts.CommandTimeout)
	clean := report.Classification == executor.Succeeded && !report.Partial

	outcome := event(bus.EventCompleted)
	if !clean {
		outcome = event(bus.EventFailed)
		outcome.Error = report.Err
		if failure, ok := report.FirstFailure(); ok {
			outcome.Error = failure.Err
		}
	}
	outcome.Payload = map[string]string{
		"classification": string(report.Classification),
		"attempted":      strconv.Itoa(report.Attempted()),
		"requested":      strconv.Itoa(report.Requested),
	}
	s.publish(ctx, outcome)
	log.Info("Execution finished", "classification", report.Classification, "attempted", report.Attempted(), "requested", report.Requested)

	if s.opts.EchoResult || !clean {
		reply(FormatReport(report, commands))
	}

	return resultFor(delivered)
}

func resultFor(delivered bool) cycleResult {
	if delivered {
		return cycleReported
	}
	return cycleDeliveryFailed
}

func (s *Service) deliver(ctx context.Context, log *slog.Logger, msg bus.InboundMessage, cycleID string, text string) bool {
	err := s.gateway.Send(ctx, msg.ChatID, text)
	if err == nil {
		return true
	}

	log.Warn("Failed to deliver report", "error", err)
	s.publish(ctx, bus.Event{
		Type:    bus.EventDeliveryFailed,
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		CycleID: cycleID,
		Error:   err.Error(),
	})
	return false
}

// commitOffset tells gateways that track consumption server-side how far the
// loop got. It uses a fresh context since the run context is already done.
func (s *Service) commitOffset() {
	committer, ok := s.gateway.(Committer)
	if !ok || s.offset == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if err := committer.Commit(ctx, s.offset); err != nil {
		s.log.Warn("Failed to commit channel offset", "offset", s.offset, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, event bus.Event) {
	s.events.PublishEvent(ctx, event)
}

// observeEvents counts lifecycle events for the status endpoint and logs them.
func (s *Service) observeEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		s.eventCounts[event.Type]++
		s.mu.Unlock()

		logEvent(s.log, event)
	}
}

func (s *Service) recordPoll(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastPollAt = time.Now().UTC()
	s.lastPollErr = errorString(err)
}

func (s *Service) setPolling(polling bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polling = polling
}

func (s *Service) runStatusServer(ctx context.Context, errCh chan<- error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)

	server := &http.Server{
		Addr:              s.opts.StatusListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", s.opts.StatusListen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	toolState := s.clients.State()
	toolErr := errorString(s.clients.Terminal())
	restarts := s.clients.Restarts()

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	lastPoll := ""
	if !s.lastPollAt.IsZero() {
		lastPoll = s.lastPollAt.Format(time.RFC3339)
	}

	events := make(map[bus.EventType]int64, len(s.eventCounts))
	for eventType, count := range s.eventCounts {
		events[eventType] = count
	}

	return statusResponse{
		Status:          status,
		UptimeSeconds:   uptime,
		Channel:         s.gateway.Name(),
		Polling:         s.polling,
		LastPollAt:      lastPoll,
		LastPollError:   s.lastPollErr,
		ToolServer:      toolState.String(),
		ToolServerError: toolErr,
		Restarts:        restarts,
		Offset:          s.offset,
		Events:          events,
	}
}

// isReady reports whether the loop is polling and the tool session is usable.
func (s *Service) isReady() bool {
	if s.clients.State() != protocol.StateReady {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polling
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
