package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Tool string

const (
	ToolPencil    Tool = "pencil"
	ToolEraser    Tool = "eraser"
	ToolRectangle Tool = "rectangle"
	ToolCircle    Tool = "circle"
	ToolArrow     Tool = "arrow"
	ToolText      Tool = "text"
)

func (t Tool) Valid() bool {
	switch t {
	case ToolPencil, ToolEraser, ToolRectangle, ToolCircle, ToolArrow, ToolText:
		return true
	}
	return false
}

// ElementID is "<participant>-<counter>". The participant part may itself
// contain dashes; the counter is everything after the last one.
type ElementID string

func NewElementID(owner ParticipantID, counter uint64) ElementID {
	return ElementID(string(owner) + "-" + strconv.FormatUint(counter, 10))
}

// Owner returns the participant namespace of the id, or "" when the id is
// not namespaced.
func (id ElementID) Owner() ParticipantID {
	s := string(id)
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return ""
	}
	if _, err := strconv.ParseUint(s[i+1:], 10, 64); err != nil {
		return ""
	}
	return ParticipantID(s[:i])
}

func (id ElementID) OwnedBy(p ParticipantID) bool {
	return p != "" && id.Owner() == p
}

// Props holds the union of geometry fields across tools. Points is a flat
// x0,y0,x1,y1,... list.
type Props struct {
	ID          ElementID `json:"id"`
	X           float64   `json:"x,omitempty"`
	Y           float64   `json:"y,omitempty"`
	Width       float64   `json:"width,omitempty"`
	Height      float64   `json:"height,omitempty"`
	Radius      float64   `json:"radius,omitempty"`
	Points      []float64 `json:"points,omitempty"`
	Stroke      string    `json:"stroke,omitempty"`
	Fill        string    `json:"fill,omitempty"`
	StrokeWidth float64   `json:"strokeWidth,omitempty"`
	Text        string    `json:"text,omitempty"`
}

type Element struct {
	Tool  Tool  `json:"tool"`
	Props Props `json:"props"`
}

func (e Element) ID() ElementID { return e.Props.ID }

// Clone returns a deep copy so mutators can't alias the stored points.
func (e Element) Clone() Element {
	c := e
	if e.Props.Points != nil {
		c.Props.Points = append([]float64(nil), e.Props.Points...)
	}
	return c
}

func (e Element) Validate() error {
	if !e.Tool.Valid() {
		return fmt.Errorf("%w: unknown tool %q", ErrInvalidElement, e.Tool)
	}
	if e.Props.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidElement)
	}
	p := e.Props
	for _, v := range []float64{p.X, p.Y, p.Width, p.Height, p.Radius, p.StrokeWidth} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite geometry", ErrInvalidElement)
		}
	}
	for _, v := range p.Points {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite point", ErrInvalidElement)
		}
	}

	switch e.Tool {
	case ToolPencil, ToolEraser:
		if len(p.Points) < 2 || len(p.Points)%2 != 0 {
			return fmt.Errorf("%w: %s needs an even, non-empty points list", ErrInvalidElement, e.Tool)
		}
	case ToolArrow:
		if len(p.Points) != 4 {
			return fmt.Errorf("%w: arrow needs exactly two points", ErrInvalidElement)
		}
	case ToolCircle:
		if p.Radius < 0 {
			return fmt.Errorf("%w: negative radius", ErrInvalidElement)
		}
	case ToolRectangle, ToolText:
		if len(p.Points) != 0 {
			return fmt.Errorf("%w: %s takes no points", ErrInvalidElement, e.Tool)
		}
	}
	return nil
}
