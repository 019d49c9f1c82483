package logging

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	colorOnce      sync.Once
	colorEnabled   bool
)

// Highlight renders s in yellow when stdout is a terminal and no custom
// output is installed. Otherwise s is returned unchanged, so captured logs
// stay free of escape sequences.
func Highlight(s string) string {
	colorOnce.Do(func() {
		colorEnabled = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	})

	outputMu.Lock()
	custom := output != nil
	outputMu.Unlock()

	if !colorEnabled || custom {
		return s
	}
	return highlightStyle.Render(s)
}
