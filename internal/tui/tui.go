// Package tui holds the small interactive pieces of the CLI: the option menu
// used to confirm downloads, the token prompt guarding destructive commands
// and the raw terminal bridge of the REPL.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"board-sync/internal/util"
)

// ErrCancelled is returned when the menu is left without a selection.
var ErrCancelled = errors.New("cancelled")

type optionItem string

func (o optionItem) Title() string       { return string(o) }
func (o optionItem) Description() string { return "" }
func (o optionItem) FilterValue() string { return string(o) }

// compactDelegate renders one line per option
type compactDelegate struct{ list.DefaultDelegate }

func (d compactDelegate) Height() int  { return 1 }
func (d compactDelegate) Spacing() int { return 0 }

func (d compactDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	title := item.(optionItem).Title()
	if index == m.Index() {
		_, _ = io.WriteString(w, d.Styles.SelectedTitle.Render("> "+title))
		return
	}
	_, _ = io.WriteString(w, d.Styles.NormalTitle.Render("  "+title))
}

var messageStyle = lipgloss.NewStyle().Width(72).MarginBottom(1)

type menuModel struct {
	message string
	list    list.Model
	choice  string
	done    bool
}

func newMenu(message string, options []string) *menuModel {
	items := make([]list.Item, 0, len(options))
	for _, o := range options {
		items = append(items, optionItem(o))
	}

	delegate := compactDelegate{list.NewDefaultDelegate()}
	delegate.Styles.SelectedTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff79c6")).Bold(true)
	delegate.Styles.NormalTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("#f8f8f2"))

	l := list.New(items, delegate, 40, len(options)+2)
	l.SetShowTitle(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowPagination(false)
	return &menuModel{message: message, list: l}
}

func (m *menuModel) Init() tea.Cmd { return nil }

func (m *menuModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "enter":
			if it := m.list.SelectedItem(); it != nil {
				m.choice = it.(optionItem).Title()
			}
			m.done = true
			return m, tea.Quit
		case "esc", "q", "ctrl+c":
			m.done = true
			return m, tea.Quit
		case "up", "k":
			m.list.CursorUp()
			return m, nil
		case "down", "j":
			m.list.CursorDown()
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *menuModel) View() string {
	if m.done {
		if m.choice == "" {
			return "Selected: nothing\n"
		}
		return fmt.Sprintf("Selected: %s\n", m.choice)
	}
	return messageStyle.Render(m.message) + "\n" + m.list.View()
}

// Menu asks the question in a full terminal list. It satisfies the download
// confirmation interface of the sync package. Progress printing is held back
// while the menu owns the terminal.
type Menu struct {
	// Options passed to every program, used by tests to swap the terminal.
	ProgramOptions []tea.ProgramOption
}

// Choose blocks until an option is picked, the menu is left or ctx ends.
func (mn Menu) Choose(ctx context.Context, message string, options []string) (string, error) {
	m := newMenu(message, options)
	opts := append([]tea.ProgramOption{tea.WithContext(ctx)}, mn.ProgramOptions...)
	p := tea.NewProgram(m, opts...)

	util.Default.Suspend()
	util.TUIActive = true
	_, err := p.Run()
	util.TUIActive = false
	util.Default.Resume()

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(m.choice) == "" {
		return "", ErrCancelled
	}
	return m.choice, nil
}
