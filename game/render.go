// render.go draws a World as ASCII for debugging, one glyph per tile.

package game

import "strings"

// Render returns the world as text, top row first. Offsets missing from the
// world are drawn as spaces.
func Render(w World, ownColor int) string {
	lo, hi, ok := w.Bounds()
	if !ok {
		return ""
	}

	var sb strings.Builder
	for y := lo.Y; y <= hi.Y; y++ {
		for x := lo.X; x <= hi.X; x++ {
			id, present := w[Offset{X: x, Y: y}]
			if !present {
				sb.WriteByte(' ')
				continue
			}
			sb.WriteByte(Classify(id, ownColor).Symbol())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
