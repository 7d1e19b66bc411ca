// Package game defines the BreadQuest world view types shared by the client,
// the encoder and the learner.
//
// A World is the sparse tile map a session last fetched from the server,
// keyed by offset relative to the player. It is rebuilt wholesale on every
// refresh and is owned by exactly one session.
package game

// Offset is a tile position relative to the player. X grows to the right and
// Y grows downwards, matching the order tiles arrive from the server.
type Offset struct {
	X int
	Y int
}

// World maps relative offsets to raw tile ids. Offsets outside the last
// fetched vision window are absent.
type World map[Offset]int

// Clone performs a deep copy of the world.
func (w World) Clone() World {
	if w == nil {
		return nil
	}
	out := make(World, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// FillSquare rebuilds the world from a row-major square tile list of the given
// side length, centred on the player.
func (w World) FillSquare(size int, tiles []int) {
	clear(w)
	if size <= 0 {
		return
	}
	center := size / 2
	for i, t := range tiles {
		x, y := i%size, i/size
		w[Offset{X: x - center, Y: y - center}] = t
	}
}

// Bounds returns the smallest and largest offsets present. ok is false for an
// empty world.
func (w World) Bounds() (lo, hi Offset, ok bool) {
	for off := range w {
		if !ok {
			lo, hi, ok = off, off, true
			continue
		}
		lo.X = min(lo.X, off.X)
		lo.Y = min(lo.Y, off.Y)
		hi.X = max(hi.X, off.X)
		hi.Y = max(hi.Y, off.Y)
	}
	return lo, hi, ok
}
