package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Tests run without a terminal, so styles render as plain text.

func TestRenderFields(t *testing.T) {
	out := RenderFields([]Field{
		{Label: "State", Value: "open"},
		{Label: "Queue", Value: "2"},
		{Label: "Checksum", Value: "fnv1a-5465b825"},
	})
	assert.Equal(t, "State:    open\nQueue:    2\nChecksum: fnv1a-5465b825\n", out)
}

func TestRenderEntries(t *testing.T) {
	out := RenderEntries(map[string]string{
		"b": "2",
		"a": "0123456789",
	}, 10)
	assert.Equal(t, "a = 01234…\nb = 2\n", out)
	assert.Equal(t, "", RenderEntries(nil, 80))
}

func TestRenderPlain(t *testing.T) {
	assert.Equal(t, "ok", RenderPass("ok"))
	assert.Equal(t, "!", RenderWarn("!"))
}
