// Package convert turns a session's sparse World into the fixed-size
// categorical state the policy network consumes.
package convert

import "github.com/brensch/breadrl/game"

// WindowLen returns the number of cells in a (2r+1)x(2r+1) window.
func WindowLen(radius int) int {
	side := 2*radius + 1
	return side * side
}

// Encoder encodes the square window of the given radius around the player.
type Encoder struct {
	Radius int
}

// Len is the length of every state this encoder produces.
func (e Encoder) Len() int {
	return WindowLen(e.Radius)
}

// Encode returns one category code per cell, row-major: dy from -R to R, and
// within a row dx from -R to R. Cells missing from the world are encoded as
// game.TileUnknown.
func (e Encoder) Encode(w game.World, ownColor int) []int {
	out := make([]int, e.Len())
	e.EncodeInto(out, w, ownColor)
	return out
}

// EncodeInto writes the encoding into dst, which must have length Len().
func (e Encoder) EncodeInto(dst []int, w game.World, ownColor int) {
	r := e.Radius
	i := 0
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			id, ok := w[game.Offset{X: dx, Y: dy}]
			if ok {
				dst[i] = int(game.Classify(id, ownColor))
			} else {
				dst[i] = int(game.TileUnknown)
			}
			i++
		}
	}
}

// Index returns the position of offset (dx, dy) in an encoded state, or -1
// if the offset lies outside the window.
func (e Encoder) Index(dx, dy int) int {
	r := e.Radius
	if dx < -r || dx > r || dy < -r || dy > r {
		return -1
	}
	side := 2*r + 1
	return (dy+r)*side + (dx + r)
}

// View is one session's input to EncodeBatch.
type View struct {
	World    game.World
	OwnColor int
}

// EncodeBatch encodes every view, preserving input order. Rows share one
// backing array.
func (e Encoder) EncodeBatch(views []View) [][]int {
	n := e.Len()
	backing := make([]int, n*len(views))
	out := make([][]int, len(views))

	for i, v := range views {
		out[i] = backing[i*n : (i+1)*n : (i+1)*n]
		e.EncodeInto(out[i], v.World, v.OwnColor)
	}
	return out
}
