package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// maxScrollback bounds the console history kept on screen.
const maxScrollback = 200

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type interactiveModel struct {
	console *console
	title   string
	history []string
	input   textinput.Model
	height  int
	busy    bool
}

type execResultMsg struct {
	err error
	out []string
}

func newInteractiveModel(c *console, title string) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "open | submit <id> <text> | poll <id> | close <id> | help"
	ti.Prompt = promptStyle.Render("> ")
	ti.Width = 60
	ti.Focus()

	return &interactiveModel{
		console: c,
		title:   title,
		input:   ti,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			if m.busy {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			m.appendLines(promptStyle.Render("> ") + line)
			m.busy = true
			return m, m.execute(line)
		}

	case tea.WindowSizeMsg:
		m.height = msg.Height

	case execResultMsg:
		m.busy = false
		for _, line := range msg.out {
			if strings.HasPrefix(line, "[") {
				m.appendLines(messageStyle.Render(line))
			} else {
				m.appendLines(resultStyle.Render(line))
			}
		}
		if errors.Is(msg.err, errQuit) {
			return m, tea.Quit
		}
		if msg.err != nil {
			m.appendLines(errorStyle.Render(fmt.Sprintf("Error: %v", msg.err)))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) execute(line string) tea.Cmd {
	return func() tea.Msg {
		out, err := m.console.exec(context.Background(), line)
		return execResultMsg{out: out, err: err}
	}
}

func (m *interactiveModel) appendLines(lines ...string) {
	m.history = append(m.history, lines...)
	if over := len(m.history) - maxScrollback; over > 0 {
		m.history = m.history[over:]
	}
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Bridge"))
	b.WriteString(" ")
	b.WriteString(m.title)
	b.WriteString("\n\n")

	history := m.history
	// title, blank, input, blank, help
	if rows := m.height - 5; m.height > 0 && len(history) > rows {
		history = history[len(history)-max(rows, 0):]
	}
	for _, line := range history {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(history) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter run • help commands • esc quit"))

	return b.String()
}

func runInteractive(c *console, title string) error {
	defer func() { _ = c.closeAll(context.Background()) }()

	p := tea.NewProgram(newInteractiveModel(c, title), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
