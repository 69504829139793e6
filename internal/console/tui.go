package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"assistantd/internal/appinfo"
	"assistantd/internal/daemon"
)

// RunTUI runs the full-screen console.
func RunTUI(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := newTUIModel(ctx, opts.Conn)
	if opts.Pushes != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case p, ok := <-opts.Pushes:
					if !ok {
						return
					}
					select {
					case m.events <- tuiPushMsg{push: p}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	prog := tea.NewProgram(
		m,
		tea.WithAltScreen(),
		tea.WithInput(opts.In),
		tea.WithOutput(opts.Out),
	)
	_, err := prog.Run()
	return err
}

type tuiInitMsg struct {
	res daemon.InitializeResult
	err error
}

type tuiEventMsg struct{ ev daemon.QueryEvent }

type tuiQueryDoneMsg struct{ err error }

type tuiPushMsg struct{ push daemon.TaskResultParams }

type tuiCommandMsg struct {
	text string
	quit bool
	err  error
}

type tuiTickMsg struct{}

type tuiModel struct {
	ctx    context.Context
	conn   Conn
	events chan tea.Msg

	width  int
	height int

	input      textinput.Model
	viewport   viewport.Model
	transcript *transcript

	sessionID    string
	busy         bool
	notice       string
	spinnerFrame int
	fatal        error
}

func newTUIModel(ctx context.Context, conn Conn) tuiModel {
	inp := textinput.New()
	inp.Placeholder = "Type a message or /help"
	inp.Prompt = "› "
	inp.CharLimit = 0
	inp.Focus()

	vp := viewport.New(0, 0)
	vp.SetContent("")

	return tuiModel{
		ctx:        ctx,
		conn:       conn,
		events:     make(chan tea.Msg, 512),
		input:      inp,
		viewport:   vp,
		transcript: newTranscript(0),
	}
}

func (m tuiModel) Init() tea.Cmd {
	conn, ctx := m.conn, m.ctx
	return tea.Batch(
		func() tea.Msg {
			res, err := conn.Initialize(ctx)
			return tuiInitMsg{res: res, err: err}
		},
		tuiTickCmd(),
		waitEventCmd(m.events),
		textinput.Blink,
	)
}

func tuiTickCmd() tea.Cmd {
	return tea.Tick(300*time.Millisecond, func(time.Time) tea.Msg { return tuiTickMsg{} })
}

func waitEventCmd(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.rerender()
		return m, nil
	case tuiInitMsg:
		if msg.err != nil {
			m.fatal = msg.err
			return m, nil
		}
		m.sessionID = msg.res.SessionID
		m.transcript.loadHistory(msg.res.History)
		m.transcript.add(roleSystem, msg.res.Notice)
		m.rerender()
		return m, nil
	case tuiEventMsg:
		m.transcript.apply(msg.ev)
		m.rerender()
		return m, waitEventCmd(m.events)
	case tuiQueryDoneMsg:
		m.busy = false
		if msg.err != nil && !isQueryError(msg.err) {
			m.notice = msg.err.Error()
		}
		m.rerender()
		return m, waitEventCmd(m.events)
	case tuiPushMsg:
		m.transcript.add(roleTask, formatPush(msg.push))
		m.rerender()
		return m, waitEventCmd(m.events)
	case tuiCommandMsg:
		if msg.quit {
			return m, tea.Quit
		}
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.transcript.add(roleSystem, msg.text)
		}
		m.rerender()
		return m, nil
	case tuiTickMsg:
		if m.busy {
			m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		}
		return m, tuiTickCmd()
	case tea.KeyMsg:
		if handled, cmd := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func isQueryError(err error) bool {
	var qErr *daemon.QueryError
	return errors.As(err, &qErr)
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (bool, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return true, tea.Quit
	case "esc":
		if m.busy {
			return true, m.commandCmd(command{name: "abort"})
		}
		return true, nil
	case "pgup", "ctrl+u":
		m.viewport.SetYOffset(m.viewport.YOffset - max(1, m.viewport.Height/2))
		return true, nil
	case "pgdown", "ctrl+d":
		m.viewport.SetYOffset(m.viewport.YOffset + max(1, m.viewport.Height/2))
		return true, nil
	case "enter":
		return true, m.submitInput()
	}
	return false, nil
}

func (m *tuiModel) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.SetValue("")
	m.notice = ""
	if cmd, ok := parseCommand(text); ok {
		if cmd.name == "abort" || !m.busy || cmd.name == "exit" || cmd.name == "quit" {
			return m.commandCmd(cmd)
		}
		m.notice = "wait for the current reply or press Esc to abort"
		m.rerender()
		return nil
	}
	if m.busy {
		m.notice = "wait for the current reply or press Esc to abort"
		m.rerender()
		return nil
	}

	m.busy = true
	m.transcript.add(roleUser, text)
	m.rerender()

	ctx, conn, events := m.ctx, m.conn, m.events
	go func() {
		err := conn.Query(ctx, text, "", func(ev daemon.QueryEvent) {
			events <- tuiEventMsg{ev: ev}
		})
		events <- tuiQueryDoneMsg{err: err}
	}()
	return nil
}

func (m *tuiModel) commandCmd(cmd command) tea.Cmd {
	ctx, conn := m.ctx, m.conn
	return func() tea.Msg {
		text, quit, err := runCommand(ctx, conn, cmd)
		return tuiCommandMsg{text: text, quit: quit, err: err}
	}
}

func (m *tuiModel) resize() {
	headerH := 3
	inputH := 1
	m.viewport.Width = max(0, m.width-2)
	m.viewport.Height = max(0, m.height-headerH-inputH)
}

func (m *tuiModel) rerender() {
	width := m.viewport.Width
	if width <= 0 {
		width = 80
	}
	lines := m.transcript.lines(max(10, width-1))
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m tuiModel) spinner() string {
	return spinnerFrames[m.spinnerFrame%len(spinnerFrames)]
}

func (m tuiModel) View() string {
	if m.width <= 0 || m.height <= 0 {
		return ""
	}
	if m.fatal != nil {
		return lipgloss.NewStyle().Padding(1, 2).Render("fatal: " + m.fatal.Error())
	}

	headerText := appinfo.Display()
	if m.busy {
		headerText += " " + m.spinner()
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")).Render(headerText)
	session := m.sessionID
	if session == "" {
		session = "connecting…"
	}
	sub := lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render(
		truncateANSI(fmt.Sprintf("Session: %s | Esc abort | /help", session), max(10, m.width-2)))
	info := ""
	if strings.TrimSpace(m.notice) != "" {
		info = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Render(
			truncateANSI("Error: "+strings.TrimSpace(m.notice), max(10, m.width-2)))
	}
	headerBlock := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join([]string{header, sub, info}, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left, headerBlock, m.viewport.View(), m.renderInputLine())
}

func (m tuiModel) renderInputLine() string {
	if m.busy {
		return lipgloss.NewStyle().Width(m.width).Padding(0, 1).Foreground(lipgloss.Color("8")).Render("Thinking " + m.spinner())
	}
	m.input.Width = max(10, m.width-4)
	return lipgloss.NewStyle().Width(m.width).Padding(0, 1).Render(m.input.View())
}
