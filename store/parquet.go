package store

import (
	"fmt"

	"github.com/brensch/breadrl/learner"
	"github.com/parquet-go/parquet-go"
)

// TransitionSchema is written into every archive file's key/value metadata.
const TransitionSchema = "transition_row_v1"

// TransitionRow is one agent's observation at one slot of a training batch.
//
// State is the encoded window the agent saw, Action the index it chose and
// Score the raw score before acting. Reward is the score change to the next
// slot of the same batch. The last slot has no successor, so it is marked
// Final and carries a zero reward.
type TransitionRow struct {
	RunID     string  `parquet:"run_id,dict"`
	TrainStep int32   `parquet:"train_step"`
	Slot      int32   `parquet:"slot"`
	Agent     int32   `parquet:"agent"`
	State     []int32 `parquet:"state"`
	Action    int32   `parquet:"action"`
	Score     float32 `parquet:"score"`
	Reward    float32 `parquet:"reward"`
	Final     bool    `parquet:"final"`
}

// RowsFromBuffer flattens every written slot of buf into rows, slot-major.
func RowsFromBuffer(runID string, trainStep int, buf *learner.Buffer) []TransitionRow {
	slots := buf.Slots()
	rows := make([]TransitionRow, 0, len(slots)*buf.Agents())
	for i, s := range slots {
		final := i == len(slots)-1
		for a := range s.States {
			state := make([]int32, len(s.States[a]))
			for j, c := range s.States[a] {
				state[j] = int32(c)
			}
			var reward float64
			if !final {
				reward = slots[i+1].Scores[a] - s.Scores[a]
			}
			rows = append(rows, TransitionRow{
				RunID:     runID,
				TrainStep: int32(trainStep),
				Slot:      int32(s.Index),
				Agent:     int32(a),
				State:     state,
				Action:    int32(s.Actions[a]),
				Score:     float32(s.Scores[a]),
				Reward:    float32(reward),
				Final:     final,
			})
		}
	}
	return rows
}

// ReadTransitions loads every row of one archive file.
func ReadTransitions(path string) ([]TransitionRow, error) {
	rows, err := parquet.ReadFile[TransitionRow](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
