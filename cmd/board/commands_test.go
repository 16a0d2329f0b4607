package main

import (
	"testing"

	"boardnet/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	c, ok := parseCommand("  AI draw a   house ")
	require.True(t, ok)
	assert.Equal(t, "ai", c.name)
	assert.Equal(t, "draw a   house", c.rest)
	assert.Equal(t, []string{"draw", "a", "house"}, c.args)

	_, ok = parseCommand("   ")
	assert.False(t, ok)
	_, ok = parseCommand("# comment")
	assert.False(t, ok)
}

func TestBuildElement(t *testing.T) {
	st := style{stroke: "#000", fill: "#fff"}
	tests := []struct {
		line string
		want domain.Element
	}{
		{"rect 1 2 3 4", domain.Element{Tool: domain.ToolRectangle, Props: domain.Props{ID: "p-1", X: 1, Y: 2, Width: 3, Height: 4, Stroke: "#000", Fill: "#fff", StrokeWidth: 2}}},
		{"circle 5 6 7", domain.Element{Tool: domain.ToolCircle, Props: domain.Props{ID: "p-1", X: 5, Y: 6, Radius: 7, Stroke: "#000", Fill: "#fff", StrokeWidth: 2}}},
		{"arrow 0 0 10 10", domain.Element{Tool: domain.ToolArrow, Props: domain.Props{ID: "p-1", Points: []float64{0, 0, 10, 10}, Stroke: "#000", Fill: "#fff", StrokeWidth: 2}}},
		{"pencil 0 0 1 1 2 2", domain.Element{Tool: domain.ToolPencil, Props: domain.Props{ID: "p-1", Points: []float64{0, 0, 1, 1, 2, 2}, Stroke: "#000", StrokeWidth: 2}}},
		{"text 3 4 hello there", domain.Element{Tool: domain.ToolText, Props: domain.Props{ID: "p-1", X: 3, Y: 4, Text: "hello there", Stroke: "#000", Fill: "#fff", StrokeWidth: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, _ := parseCommand(tt.line)
			el, draws, err := buildElement("p-1", c, st)
			require.NoError(t, err)
			assert.True(t, draws)
			assert.Equal(t, tt.want, el)
		})
	}
}

func TestBuildElement_Errors(t *testing.T) {
	for _, line := range []string{"rect 1 2", "circle a b c", "pencil 1 2 3", "text 1 2", "circle 0 0 -1"} {
		c, _ := parseCommand(line)
		_, draws, err := buildElement("p-1", c, style{})
		assert.True(t, draws, line)
		assert.Error(t, err, line)
	}

	c, _ := parseCommand("peers")
	_, draws, err := buildElement("p-1", c, style{})
	assert.False(t, draws)
	assert.NoError(t, err)
}
