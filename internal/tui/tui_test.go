package tui

import (
	"bytes"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-playground/assert/v2"
)

func TestMenuSelectsWithArrows(t *testing.T) {
	m := newMenu("Found 1 new file.", []string{"Cancel", "Yes", "Only new files"})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, "Only new files", m.choice)
	assert.NotEqual(t, nil, cmd)
	assert.Equal(t, "Selected: Only new files\n", m.View())
}

func TestMenuEscapeLeavesNoChoice(t *testing.T) {
	m := newMenu("question", []string{"Cancel", "Yes"})
	if !strings.Contains(m.View(), "question") {
		t.Fatalf("message missing from view:\n%s", m.View())
	}
	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, "", m.choice)
	assert.Equal(t, true, m.done)
}

func TestPumpStopsAtExitKey(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("print(1)\r" + string(rune(ExitKey)) + "ignored")
	if err := pump(in, &out); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "print(1)\r", out.String())

	out.Reset()
	if err := pump(strings.NewReader("\x03\x04"), &out); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, "\x03\x04", out.String())
}

func TestConfirmToken(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"ABC123\n", true},
		{"nope\nABC123\n", true},
		{"a\nb\nc\n", false},
	}
	for _, tc := range cases {
		ok, err := confirmToken(strings.NewReader(tc.input), "Wipe the device?", "ABC123", 3)
		if err != nil {
			t.Fatalf("%q: %v", tc.input, err)
		}
		assert.Equal(t, tc.want, ok)
	}

	tok, err := genToken(6)
	assert.Equal(t, nil, err)
	assert.Equal(t, 6, len(tok))
}
