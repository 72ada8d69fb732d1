package ui

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Field is a labelled value in a status listing.
type Field struct {
	Label string
	Value string
}

// RenderFields aligns labels in a column.
func RenderFields(fields []Field) string {
	width := 0
	for _, f := range fields {
		width = max(width, lipgloss.Width(f.Label))
	}
	label := lipgloss.NewStyle().Width(width + 2)

	var b strings.Builder
	for _, f := range fields {
		b.WriteString(label.Render(f.Label + ":"))
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return b.String()
}

// RenderEntries lists key/value pairs sorted by key, truncating values to
// fit maxWidth columns.
func RenderEntries(entries map[string]string, maxWidth int) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := entries[k]
		room := maxWidth - lipgloss.Width(k) - 3
		if room > 1 && lipgloss.Width(v) > room {
			v = truncate(v, room-1) + "…"
		}
		b.WriteString(RenderKey(k))
		b.WriteString(" = ")
		b.WriteString(v)
		b.WriteByte('\n')
	}
	return b.String()
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
