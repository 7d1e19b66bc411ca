package game

import "fmt"

// Direction follows the server's numbering.
type Direction int

const (
	Up Direction = iota
	Right
	Down
	Left
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Right:
		return "right"
	case Down:
		return "down"
	case Left:
		return "left"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Offset returns the unit step taken when moving in direction d.
func (d Direction) Offset() Offset {
	switch d {
	case Up:
		return Offset{Y: -1}
	case Right:
		return Offset{X: 1}
	case Down:
		return Offset{Y: 1}
	case Left:
		return Offset{X: -1}
	default:
		return Offset{}
	}
}

// Action is a discrete choice with a stable index matching the network's
// output column.
type Action int

const (
	WalkUp Action = iota
	WalkRight
	WalkDown
	WalkLeft
	BreakUp
	BreakRight
	BreakDown
	BreakLeft
	PlaceUp
	PlaceRight
	PlaceDown
	PlaceLeft
	Eat

	NumActions = int(Eat) + 1
)

// Wire command names.
const (
	CommandWalk       = "walk"
	CommandRemoveTile = "removeTile"
	CommandPlaceTile  = "placeTile"
	CommandEatBread   = "eatBread"
)

// Valid reports whether a is within [0, NumActions).
func (a Action) Valid() bool {
	return a >= 0 && int(a) < NumActions
}

// Command returns the server command name for a and, for directional
// commands, the direction. hasDirection is false for Eat.
func (a Action) Command() (name string, dir Direction, hasDirection bool) {
	switch {
	case a >= WalkUp && a <= WalkLeft:
		return CommandWalk, Direction(a - WalkUp), true
	case a >= BreakUp && a <= BreakLeft:
		return CommandRemoveTile, Direction(a - BreakUp), true
	case a >= PlaceUp && a <= PlaceLeft:
		return CommandPlaceTile, Direction(a - PlaceUp), true
	default:
		return CommandEatBread, 0, false
	}
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", int(a))
	}
	name, dir, ok := a.Command()
	if !ok {
		return name
	}
	return name + ":" + dir.String()
}
