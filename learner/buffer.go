package learner

import (
	"errors"
	"fmt"
)

// ErrShape is returned when an observed row does not match the buffer's
// agent count, window length or action range.
var ErrShape = errors.New("learner: shape mismatch")

// Buffer holds BatchSize time slots of one transition per agent. Rows are
// written in order; the caller trains on the full buffer and then rewinds it.
// Nothing survives a rewind: consecutive batches do not overlap.
type Buffer struct {
	batch   int
	agents  int
	window  int
	actions int

	states [][][]int // [slot][agent][cell]
	acts   [][]int   // [slot][agent]
	scores [][]float64
	cursor int
}

// NewBuffer allocates a buffer for batch slots of agents transitions each.
func NewBuffer(batch, agents, window, actions int) (*Buffer, error) {
	if batch < 2 {
		return nil, fmt.Errorf("learner: batch size %d, need at least 2 slots", batch)
	}
	if agents <= 0 || window <= 0 || actions <= 0 {
		return nil, fmt.Errorf("learner: invalid buffer shape agents=%d window=%d actions=%d", agents, window, actions)
	}
	b := &Buffer{
		batch:   batch,
		agents:  agents,
		window:  window,
		actions: actions,
		states:  make([][][]int, batch),
		acts:    make([][]int, batch),
		scores:  make([][]float64, batch),
	}
	cells := make([]int, batch*agents*window)
	for s := 0; s < batch; s++ {
		b.states[s] = make([][]int, agents)
		for a := 0; a < agents; a++ {
			off := (s*agents + a) * window
			b.states[s][a] = cells[off : off+window : off+window]
		}
		b.acts[s] = make([]int, agents)
		b.scores[s] = make([]float64, agents)
	}
	return b, nil
}

// Cursor is the next slot to be written.
func (b *Buffer) Cursor() int { return b.cursor }

// Capacity is the number of slots.
func (b *Buffer) Capacity() int { return b.batch }

// Agents is the number of transitions per slot.
func (b *Buffer) Agents() int { return b.agents }

// Full reports whether every slot has been written since the last Rewind.
func (b *Buffer) Full() bool { return b.cursor >= b.batch }

// Write copies one slot of scores, states and actions, one entry per agent,
// and advances the cursor. Nothing is written if any input has the wrong
// shape.
func (b *Buffer) Write(scores []float64, states [][]int, actions []int) error {
	if b.Full() {
		return fmt.Errorf("%w: buffer full at slot %d", ErrShape, b.cursor)
	}
	if len(scores) != b.agents || len(states) != b.agents || len(actions) != b.agents {
		return fmt.Errorf("%w: got %d scores, %d states, %d actions for %d agents",
			ErrShape, len(scores), len(states), len(actions), b.agents)
	}
	for i, s := range states {
		if len(s) != b.window {
			return fmt.Errorf("%w: agent %d state has %d cells, want %d", ErrShape, i, len(s), b.window)
		}
	}
	for i, a := range actions {
		if a < 0 || a >= b.actions {
			return fmt.Errorf("%w: agent %d action %d outside [0,%d)", ErrShape, i, a, b.actions)
		}
	}

	slot := b.cursor
	for i := range states {
		copy(b.states[slot][i], states[i])
	}
	copy(b.acts[slot], actions)
	copy(b.scores[slot], scores)
	b.cursor++
	return nil
}

// Rewind moves the cursor back to slot zero.
func (b *Buffer) Rewind() { b.cursor = 0 }

// Transitions flattens the buffer into consecutive (t, t+1) pairs. Rows are
// ordered slot-major: all agents of slot 0, then all agents of slot 1, and so
// on up to slot BatchSize-2. The reward of a pair is the score change
// between its two slots.
func (b *Buffer) Transitions() (states, next [][]int, actions []int, rewards []float64) {
	n := (b.batch - 1) * b.agents
	states = make([][]int, 0, n)
	next = make([][]int, 0, n)
	actions = make([]int, 0, n)
	rewards = make([]float64, 0, n)
	for s := 0; s < b.batch-1; s++ {
		for a := 0; a < b.agents; a++ {
			states = append(states, b.states[s][a])
			next = append(next, b.states[s+1][a])
			actions = append(actions, b.acts[s][a])
			rewards = append(rewards, b.scores[s+1][a]-b.scores[s][a])
		}
	}
	return states, next, actions, rewards
}

// Slot is a read-only view of one written slot.
type Slot struct {
	Index   int
	States  [][]int
	Actions []int
	Scores  []float64
}

// Slots returns views of every slot written since the last Rewind.
func (b *Buffer) Slots() []Slot {
	out := make([]Slot, 0, b.cursor)
	for s := 0; s < b.cursor; s++ {
		out = append(out, Slot{Index: s, States: b.states[s], Actions: b.acts[s], Scores: b.scores[s]})
	}
	return out
}
