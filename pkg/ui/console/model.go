package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"shellrelay/pkg/bus"
)

type entryKind int

const (
	entryInstruction entryKind = iota
	entryReply
	entryNotice
	entryError
)

type entry struct {
	kind    entryKind
	content string
	at      time.Time
}

type replyMsg struct {
	reply bus.OutboundMessage
}

type eventMsg struct {
	event bus.Event
}

type feedClosedMsg struct{}

type bootTickMsg struct{}

type model struct {
	ctx    context.Context
	submit SubmitFunc
	feed   *bus.MessageBus
	events <-chan bus.Event
	info   RuntimeInfo

	theme     theme
	spinner   spinner.Model
	input     textinput.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	pending   int
	lastErr   string
	booting   bool
	bootStep  int
	followLog bool
	closed    bool

	succeeded int
	failed    int
}

func newModel(ctx context.Context, submit SubmitFunc, feed *bus.MessageBus, events <-chan bus.Event, info RuntimeInfo) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	in := textinput.New()
	in.Prompt = "$ "
	in.Placeholder = "Describe what to run..."
	in.Focus()
	in.CharLimit = 0

	return &model{
		ctx:       ctx,
		submit:    submit,
		feed:      feed,
		events:    events,
		info:      info,
		theme:     defaultTheme(),
		spinner:   spin,
		input:     in,
		viewport:  viewport.New(80, 12),
		width:     100,
		height:    28,
		booting:   true,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(bootTickCmd(), waitReplyCmd(m.ctx, m.feed), waitEventCmd(m.events))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport(false)
		m.isReady = true
		return m, nil
	case bootTickMsg:
		if !m.booting {
			return m, nil
		}
		m.bootStep++
		if m.bootStep < len(bootScriptLines(m.info))+1 {
			return m, bootTickCmd()
		}
		m.booting = false
		return m, textinput.Blink
	case replyMsg:
		m.entries = append(m.entries, entry{kind: entryReply, content: typed.reply.Text, at: time.Now()})
		m.refreshViewport(false)
		return m, waitReplyCmd(m.ctx, m.feed)
	case eventMsg:
		m.applyEvent(typed.event)
		return m, waitEventCmd(m.events)
	case feedClosedMsg:
		if !m.closed {
			m.closed = true
			m.pending = 0
			m.entries = append(m.entries, entry{kind: entryError, content: "gateway stopped", at: time.Now()})
			m.refreshViewport(false)
		}
		return m, nil
	case tea.MouseMsg:
		if !m.booting {
			m.handleViewportMouse(typed)
		}
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		}

		if m.booting {
			return m, nil
		}
		if handled := m.handleViewportKey(typed); handled {
			return m, nil
		}

		if typed.String() == "enter" {
			return m, m.submitInput()
		}
	}

	m.input, cmd = m.input.Update(msg)

	if typed, ok := msg.(spinner.TickMsg); ok {
		if m.pending == 0 {
			return m, nil
		}
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	}

	return m, cmd
}

func (m *model) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	if isExitCommand(text) {
		return tea.Quit
	}
	if m.closed {
		m.lastErr = "gateway stopped"
		return nil
	}

	m.input.SetValue("")
	if !m.submit(m.ctx, text) {
		m.lastErr = "instruction was not queued"
		m.entries = append(m.entries, entry{kind: entryError, content: "could not queue: " + text, at: time.Now()})
		m.refreshViewport(true)
		return nil
	}

	m.lastErr = ""
	m.entries = append(m.entries, entry{kind: entryInstruction, content: text, at: time.Now()})
	m.followLog = true
	m.refreshViewport(true)

	m.pending++
	if m.pending == 1 {
		return m.spinner.Tick
	}
	return nil
}

// applyEvent tracks in-flight instructions from the gateway lifecycle.
func (m *model) applyEvent(event bus.Event) {
	switch event.Type {
	case bus.EventPlanned:
		m.entries = append(m.entries, entry{
			kind:    entryNotice,
			content: fmt.Sprintf("planned %s command(s)", displayOrNA(event.Payload["commands"])),
			at:      event.At,
		})
		m.refreshViewport(false)
	case bus.EventCompleted:
		m.succeeded++
		m.settle()
	case bus.EventFailed:
		m.failed++
		m.lastErr = event.Error
		m.settle()
	case bus.EventDropped:
		m.settle()
	case bus.EventDeliveryFailed:
		m.lastErr = "reply not delivered: " + event.Error
	}
}

func (m *model) settle() {
	if m.pending > 0 {
		m.pending--
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport(false)
	}
	if m.booting {
		return m.bootView()
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 shellrelay console")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"tool:%s · workdir:%s · instructions:%d · ok/failed:%d/%d",
		displayOrNA(m.info.ToolServer),
		displayOrNA(m.info.WorkingDir),
		m.instructionCount(),
		m.succeeded,
		m.failed,
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter run  ·  PgUp/PgDn scroll  ·  End jump latest  ·  🛑 Ctrl+C/Esc quit")
	switch {
	case m.pending > 0:
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ running %d instruction(s)...", m.spinner.View(), m.pending))
	case m.lastErr != "":
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
		m.theme.inputLabel.Render("👨🏻 Operator")+" "+m.theme.hint.Render("(type /exit, quit, or :q)"),
		m.theme.input.Width(m.width-2).Render(m.input.View()),
	)
}

func (m *model) resizeComponents() {
	w := max(50, m.width-6)
	h := max(8, m.height-10)

	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = w - 2
}

func (m *model) refreshViewport(forceBottom bool) {
	previousOffset := m.viewport.YOffset
	sections := make([]string, 0, len(m.entries))
	for _, item := range m.entries {
		sections = append(sections, m.renderEntry(item))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	if m.followLog || forceBottom {
		m.viewport.GotoBottom()
		m.followLog = true
		return
	}

	maxOffset := max(0, m.viewport.TotalLineCount()-m.viewport.Height)
	m.viewport.SetYOffset(min(previousOffset, maxOffset))
}

func (m *model) renderEntry(item entry) string {
	stamp := item.at.Format("15:04:05")
	body := strings.TrimSpace(item.content)

	switch item.kind {
	case entryInstruction:
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.instructionTitle.Render("▛▚ [ 👨🏻 "+stamp+" ] ▞▜"),
			m.theme.instructionBox.Width(m.viewport.Width).Render(body),
		)
	case entryReply:
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.replyTitle.Render("▛▚ [ 🖥 "+stamp+" ] ▞▜"),
			m.theme.replyBox.Width(m.viewport.Width).Render(body),
		)
	case entryNotice:
		return m.theme.notice.Render("· " + body)
	default:
		return lipgloss.JoinVertical(lipgloss.Left,
			m.theme.errorTitle.Render("▛▚ [ERROR] ▞▜"),
			m.theme.errorBox.Width(m.viewport.Width).Render(body),
		)
	}
}

func (m *model) bootView() string {
	header := m.theme.header.Width(m.width - 2).Render("📟 shellrelay console")
	meta := m.theme.headerMeta.Render("starting")
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	script := bootScriptLines(m.info)
	count := min(m.bootStep, len(script))
	visible := make([]string, 0, count+1)
	for i := range count {
		visible = append(visible, m.theme.bootLine.Render(script[i]))
	}
	if m.bootStep > len(script) {
		visible = append(visible, m.theme.bootDone.Render("✅ ready for instructions"))
	}

	body := m.theme.viewport.Width(m.width - 2).Render(strings.Join(visible, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, header, meta, line, body)
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "alt+up", "ctrl+up":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "alt+down", "ctrl+down":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func (m *model) handleViewportMouse(msg tea.MouseMsg) bool {
	if msg.Action != tea.MouseActionPress {
		return false
	}

	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.LineUp(3)
		m.followLog = false
		return true
	case tea.MouseButtonWheelDown:
		m.viewport.LineDown(3)
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	default:
		return false
	}
}

func (m *model) instructionCount() int {
	count := 0
	for _, item := range m.entries {
		if item.kind == entryInstruction {
			count++
		}
	}
	return count
}

func bootScriptLines(info RuntimeInfo) []string {
	return []string{
		"[BOOT] tool server " + displayOrNA(info.ToolServer),
		"[BOOT] working directory " + displayOrNA(info.WorkingDir),
		"[BOOT] report bus attached",
	}
}

func bootTickCmd() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(_ time.Time) tea.Msg {
		return bootTickMsg{}
	})
}

func waitReplyCmd(ctx context.Context, feed *bus.MessageBus) tea.Cmd {
	return func() tea.Msg {
		reply, ok := feed.ConsumeOutbound(ctx)
		if !ok {
			return feedClosedMsg{}
		}
		return replyMsg{reply: reply}
	}
}

func waitEventCmd(events <-chan bus.Event) tea.Cmd {
	if events == nil {
		return nil
	}
	return func() tea.Msg {
		event, ok := <-events
		if !ok {
			return nil
		}
		return eventMsg{event: event}
	}
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}
	return trimmed
}

func isExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "/exit", "quit", ":q":
		return true
	default:
		return false
	}
}
