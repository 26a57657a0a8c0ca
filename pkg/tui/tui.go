// Package tui is the terminal chat interface used by "ortofix chat".
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nstogner/ortofix/pkg/client"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	botStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// Chat is the connection the UI drives. Implemented by *client.Client.
type Chat interface {
	Send(text string) error
	Events() <-chan client.Event
}

type eventMsg client.Event
type eventsClosedMsg struct{}
type sendErrMsg struct{ err error }

// Model is the bubbletea model of the chat screen.
type Model struct {
	chat Chat

	viewport viewport.Model
	textarea textarea.Model

	lines     []string
	connected bool
	sessionID string
	width     int
}

// New creates the chat screen for chat.
func New(chat Chat) Model {
	ta := textarea.New()
	ta.Placeholder = "Digite sua mensagem..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	vp := viewport.New(80, 20)

	m := Model{chat: chat, viewport: vp, textarea: ta, width: 80}
	m.appendLine(statusStyle.Render("Conectando..."))
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, waitForEvent(m.chat.Events()))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, taCmd, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.textarea.Value())
			m.textarea.Reset()
			if text == "" {
				break
			}
			if text == "/exit" {
				return m, tea.Quit
			}
			m.appendLine(userStyle.Render("Você: ") + text)
			cmds = append(cmds, m.sendCmd(text))
		}

	case eventMsg:
		m.handleEvent(client.Event(msg))
		cmds = append(cmds, waitForEvent(m.chat.Events()))

	case eventsClosedMsg:
		return m, tea.Quit

	case sendErrMsg:
		m.appendLine(errorStyle.Render("Erro: ") + msg.err.Error())
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) handleEvent(ev client.Event) {
	switch ev.Kind {
	case client.KindConnected:
		m.connected = true
	case client.KindDisconnected:
		m.connected = false
		m.appendLine(statusStyle.Render("Desconectado, reconectando..."))
	case client.KindStatus:
		m.sessionID = ev.SessionID
		m.appendLine(statusStyle.Render("Status: " + ev.Text))
	case client.KindError:
		m.appendLine(errorStyle.Render("Erro: ") + ev.Text)
	case client.KindMessage:
		m.appendLine(botStyle.Render("Bot: ") + ev.Text)
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.refresh()
}

func (m *Model) refresh() {
	wrap := lipgloss.NewStyle().Width(m.width)
	m.viewport.SetContent(wrap.Render(strings.Join(m.lines, "\n")))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	state := offlineStyle.Render("desconectado")
	if m.connected {
		state = onlineStyle.Render("conectado")
	}
	header := fmt.Sprintf("%s %s", titleStyle.Render("OrtoFix"), state)
	if m.sessionID != "" {
		header += statusStyle.Render("  sessão " + m.sessionID)
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		m.viewport.View(),
		m.textarea.View(),
	)
}

func (m Model) sendCmd(text string) tea.Cmd {
	chat := m.chat
	return func() tea.Msg {
		if err := chat.Send(text); err != nil {
			return sendErrMsg{err}
		}
		return nil
	}
}

func waitForEvent(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(ev)
	}
}
