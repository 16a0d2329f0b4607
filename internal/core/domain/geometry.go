package domain

import "math"

// Drawing helpers used while a shape is being dragged. Each returns a new
// element; the input is left untouched.

func NewRectangle(id ElementID, x, y float64, stroke string) Element {
	return Element{Tool: ToolRectangle, Props: Props{ID: id, X: x, Y: y, Stroke: stroke}}
}

func NewCircle(id ElementID, x, y float64, stroke string) Element {
	return Element{Tool: ToolCircle, Props: Props{ID: id, X: x, Y: y, Stroke: stroke}}
}

func NewStroke(tool Tool, id ElementID, x, y float64, stroke string) Element {
	return Element{Tool: tool, Props: Props{ID: id, Points: []float64{x, y}, Stroke: stroke}}
}

func NewArrow(id ElementID, x, y float64, stroke string) Element {
	return Element{Tool: ToolArrow, Props: Props{ID: id, Points: []float64{x, y, x, y}, Stroke: stroke}}
}

// DragTo applies a pointer move at (px, py) to an in-progress shape.
func DragTo(e Element, px, py float64) Element {
	out := e.Clone()
	switch e.Tool {
	case ToolRectangle:
		out.Props.Width = px - e.Props.X
		out.Props.Height = py - e.Props.Y
	case ToolCircle:
		dx, dy := px-e.Props.X, py-e.Props.Y
		out.Props.Radius = math.Round(math.Sqrt(dx*dx + dy*dy))
	case ToolPencil, ToolEraser:
		out.Props.Points = append(out.Props.Points, px, py)
	case ToolArrow:
		if len(out.Props.Points) >= 4 {
			out.Props.Points[2], out.Props.Points[3] = px, py
		}
	case ToolText:
		out.Props.X, out.Props.Y = px, py
	}
	return out
}
