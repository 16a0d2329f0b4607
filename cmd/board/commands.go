package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"boardnet/internal/core/domain"
)

const usage = `commands:
  rect X Y W H            draw a rectangle
  circle X Y R            draw a circle
  arrow X1 Y1 X2 Y2       draw an arrow
  pencil X0 Y0 X1 Y1 ...  draw a freehand stroke
  text X Y WORDS...       place a text label
  color STROKE [FILL]     set the colors of the next shapes
  clear                   clear the board for everyone
  notes TEXT...           replace the room notes
  ai PROMPT...            ask the assistant to draw
  audio | video | screen  toggle microphone, camera or screen share
  list                    print the board
  peers                   print the participants
  quit`

var errUsage = errors.New("usage")

type command struct {
	name string
	args []string
	// rest is the raw text after the command word.
	rest string
}

func parseCommand(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return command{}, false
	}
	name, rest, _ := strings.Cut(line, " ")
	return command{
		name: strings.ToLower(name),
		args: strings.Fields(rest),
		rest: strings.TrimSpace(rest),
	}, true
}

func (c command) floats(n int) ([]float64, error) {
	if len(c.args) < n {
		return nil, fmt.Errorf("%w: %s needs %d numbers", errUsage, c.name, n)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(c.args[i], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a number", errUsage, c.args[i])
		}
		out[i] = v
	}
	return out, nil
}

// style is applied to every shape drawn after a color command.
type style struct {
	stroke string
	fill   string
}

func isDrawing(name string) bool {
	switch name {
	case "rect", "circle", "arrow", "line", "pencil", "text":
		return true
	}
	return false
}

// buildElement turns a drawing command into an element with the given id.
// It returns false for commands that do not draw.
func buildElement(id domain.ElementID, c command, st style) (domain.Element, bool, error) {
	props := domain.Props{ID: id, Stroke: st.stroke, Fill: st.fill, StrokeWidth: 2}
	var tool domain.Tool

	switch c.name {
	case "rect":
		v, err := c.floats(4)
		if err != nil {
			return domain.Element{}, true, err
		}
		tool = domain.ToolRectangle
		props.X, props.Y, props.Width, props.Height = v[0], v[1], v[2], v[3]
	case "circle":
		v, err := c.floats(3)
		if err != nil {
			return domain.Element{}, true, err
		}
		tool = domain.ToolCircle
		props.X, props.Y, props.Radius = v[0], v[1], v[2]
	case "arrow", "line":
		v, err := c.floats(4)
		if err != nil {
			return domain.Element{}, true, err
		}
		tool = domain.ToolArrow
		props.Points = v
	case "pencil":
		if len(c.args) < 2 || len(c.args)%2 != 0 {
			return domain.Element{}, true, fmt.Errorf("%w: pencil needs coordinate pairs", errUsage)
		}
		v, err := c.floats(len(c.args))
		if err != nil {
			return domain.Element{}, true, err
		}
		tool = domain.ToolPencil
		props.Points = v
		props.Fill = ""
	case "text":
		v, err := c.floats(2)
		if err != nil {
			return domain.Element{}, true, err
		}
		if len(c.args) < 3 {
			return domain.Element{}, true, fmt.Errorf("%w: text needs words", errUsage)
		}
		tool = domain.ToolText
		props.X, props.Y = v[0], v[1]
		props.Text = strings.Join(c.args[2:], " ")
	default:
		return domain.Element{}, false, nil
	}

	el := domain.Element{Tool: tool, Props: props}
	return el, true, el.Validate()
}

func describe(el domain.Element) string {
	p := el.Props
	switch el.Tool {
	case domain.ToolRectangle:
		return fmt.Sprintf("%-16s rect   (%g,%g) %gx%g", p.ID, p.X, p.Y, p.Width, p.Height)
	case domain.ToolCircle:
		return fmt.Sprintf("%-16s circle (%g,%g) r=%g", p.ID, p.X, p.Y, p.Radius)
	case domain.ToolText:
		return fmt.Sprintf("%-16s text   (%g,%g) %q", p.ID, p.X, p.Y, p.Text)
	default:
		return fmt.Sprintf("%-16s %-6s %d points", p.ID, el.Tool, len(p.Points)/2)
	}
}
