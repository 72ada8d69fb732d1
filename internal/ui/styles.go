// Package ui renders terminal output for the kvsync CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("111")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("157"))
)

func init() {
	if !IsTerminal() || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Width returns the terminal width, or 80 when it cannot be determined.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderKey(s string) string    { return keyStyle.Render(s) }
