package learner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"testing"

	"github.com/brensch/breadrl/game"
	"github.com/brensch/breadrl/policy"
	"gonum.org/v1/gonum/mat"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLearner(t *testing.T, batch, agents int, seed uint64) *Learner {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BatchSize = batch
	cfg.Agents = agents
	cfg.Radius = 1
	cfg.Seed = seed
	l, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func uniformStates(agents int, code int) [][]int {
	out := make([][]int, agents)
	for i := range out {
		out[i] = make([]int, 9)
		for j := range out[i] {
			out[i][j] = code
		}
	}
	return out
}

type memStorage map[string][]byte

func (m memStorage) Save(name string, blob []byte) error {
	m[name] = append([]byte(nil), blob...)
	return nil
}

func (m memStorage) Load(name string) ([]byte, error) {
	b, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", name, fs.ErrNotExist)
	}
	return b, nil
}

type recordingArchiver struct {
	steps []int
	slots []int
}

func (r *recordingArchiver) ArchiveBatch(step int, buf *Buffer) error {
	r.steps = append(r.steps, step)
	r.slots = append(r.slots, len(buf.Slots()))
	return nil
}

func TestObserveRewardDeltas(t *testing.T) {
	l := testLearner(t, 3, 2, 1)
	arch := &recordingArchiver{}
	l.SetArchiver(arch)

	scores := [][]float64{{1, 1}, {2, 1}, {2, 3}}
	var report *TrainReport
	for i, s := range scores {
		r, err := l.Observe(s, uniformStates(2, i), []int{0, int(game.Eat)})
		if err != nil {
			t.Fatalf("Observe %d: %v", i, err)
		}
		if i < 2 && r != nil {
			t.Fatalf("training fired early at observe %d", i)
		}
		report = r
	}
	if report == nil {
		t.Fatalf("no training after third observe")
	}

	want := []float64{1, 0, 0, 2}
	if len(report.Rewards) != len(want) {
		t.Fatalf("rewards = %v, want %v", report.Rewards, want)
	}
	for i := range want {
		if report.Rewards[i] != want[i] {
			t.Errorf("rewards = %v, want %v", report.Rewards, want)
			break
		}
	}
	if report.Samples != 4 || report.MeanReward != 0.75 {
		t.Errorf("samples=%d mean reward=%v", report.Samples, report.MeanReward)
	}
	if l.Steps() != 1 || report.Step != 1 {
		t.Errorf("steps = %d, report step %d", l.Steps(), report.Step)
	}
	if l.Buffer().Cursor() != 0 {
		t.Errorf("cursor = %d after training", l.Buffer().Cursor())
	}
	if len(arch.steps) != 1 || arch.steps[0] != 1 || arch.slots[0] != 3 {
		t.Errorf("archiver saw steps %v slots %v", arch.steps, arch.slots)
	}
}

func TestCursorInvariant(t *testing.T) {
	const batch, agents = 4, 3
	l := testLearner(t, batch, agents, 2)
	for round := 1; round <= 3; round++ {
		for i := 0; i < batch; i++ {
			if _, err := l.Observe(make([]float64, agents), uniformStates(agents, 0), make([]int, agents)); err != nil {
				t.Fatal(err)
			}
			c := l.Buffer().Cursor()
			if c < 0 || c >= batch {
				t.Fatalf("cursor %d outside [0,%d)", c, batch)
			}
		}
		if l.Steps() != round {
			t.Fatalf("after %d full batches steps = %d", round, l.Steps())
		}
		if l.Buffer().Cursor() != 0 {
			t.Fatalf("cursor = %d after full batch", l.Buffer().Cursor())
		}
	}
}

func TestObserveRejectsBadShapes(t *testing.T) {
	l := testLearner(t, 3, 2, 3)
	tests := []struct {
		name    string
		scores  []float64
		states  [][]int
		actions []int
	}{
		{"too few agents", []float64{1}, uniformStates(1, 0), []int{0}},
		{"mismatched lengths", []float64{1, 2}, uniformStates(2, 0), []int{0}},
		{"short state", []float64{1, 2}, [][]int{{0}, {0}}, []int{0, 0}},
		{"action out of range", []float64{1, 2}, uniformStates(2, 0), []int{0, game.NumActions}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := l.Observe(tt.scores, tt.states, tt.actions); !errors.Is(err, ErrShape) {
				t.Errorf("err = %v, want ErrShape", err)
			}
			if l.Buffer().Cursor() != 0 {
				t.Errorf("cursor advanced on rejected write")
			}
		})
	}
}

func TestChooseRejectsWrongWidth(t *testing.T) {
	l := testLearner(t, 3, 2, 4)
	if _, err := l.Choose([][]int{{0, 1, 2}}); err == nil {
		t.Fatalf("expected width error")
	}
	actions, err := l.Choose(uniformStates(2, int(game.TileUnknown)))
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range actions {
		if !game.Action(a).Valid() {
			t.Errorf("invalid action %d", a)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := memStorage{}
	l := testLearner(t, 3, 2, 5)

	fresh := testLearner(t, 3, 2, 6)
	ok, err := fresh.Load(store)
	if err != nil || ok {
		t.Fatalf("Load on empty storage = %v, %v", ok, err)
	}

	for i := 0; i < 3; i++ {
		if _, err := l.Observe([]float64{float64(i), 0}, uniformStates(2, i), []int{i, 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Save(store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ok, err = fresh.Load(store)
	if err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}

	batch := [][]int{{0, 1, 2, 3, 4, 5, 6, 7, 0}, {7, 7, 7, 7, 7, 7, 7, 7, 7}}
	want, err := l.Network().Forward(batch)
	if err != nil {
		t.Fatal(err)
	}
	got, err := fresh.Network().Forward(batch)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(want, got) {
		t.Errorf("restored network differs")
	}
}

func TestLoadNeedsBothHalves(t *testing.T) {
	store := memStorage{}
	l := testLearner(t, 3, 2, 7)
	if err := l.Save(store); err != nil {
		t.Fatal(err)
	}
	delete(store, OptimizerCheckpoint)
	ok, err := testLearner(t, 3, 2, 8).Load(store)
	if err != nil || ok {
		t.Errorf("Load with missing optimizer = %v, %v", ok, err)
	}
}

func TestLoadKeepsPairOnCorruptOptimizer(t *testing.T) {
	store := memStorage{}
	if err := testLearner(t, 3, 2, 9).Save(store); err != nil {
		t.Fatal(err)
	}
	store[OptimizerCheckpoint] = []byte("not an optimizer")

	l := testLearner(t, 3, 2, 10)
	batch := uniformStates(2, int(game.TileWall))
	before, err := l.Network().Forward(batch)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := l.Load(store); err == nil || ok {
		t.Fatalf("Load with corrupt optimizer = %v, %v", ok, err)
	}
	after, err := l.Network().Forward(batch)
	if err != nil {
		t.Fatal(err)
	}
	if !mat.Equal(before, after) {
		t.Errorf("network replaced although the optimizer failed to load")
	}
}

func TestChooseRejectsDivergedNetwork(t *testing.T) {
	l := testLearner(t, 3, 2, 12)
	bias := l.Network().Params()[2]
	bias.Set(0, 0, math.Inf(1))
	if _, err := l.Choose(uniformStates(2, int(game.TileEmpty))); !errors.Is(err, policy.ErrNonFinite) {
		t.Errorf("err = %v, want ErrNonFinite", err)
	}
}

func TestTrainingReducesLoss(t *testing.T) {
	for _, semi := range []bool{true, false} {
		t.Run(fmt.Sprintf("semi=%v", semi), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BatchSize, cfg.Agents, cfg.Radius, cfg.Seed = 3, 2, 1, 11
			cfg.Discount = 0
			cfg.SemiGradient = semi
			l, err := New(cfg, quietLogger())
			if err != nil {
				t.Fatal(err)
			}
			scores := [][]float64{{0, 0}, {1, 0}, {1, 2}}
			var first, last float64
			for round := 0; round < 60; round++ {
				var report *TrainReport
				for i, s := range scores {
					report, err = l.Observe(s, uniformStates(2, i), []int{1, 2})
					if err != nil {
						t.Fatal(err)
					}
				}
				if round == 0 {
					first = report.Loss
				}
				last = report.Loss
			}
			if last >= first {
				t.Errorf("loss did not fall: first %v last %v", first, last)
			}
		})
	}
}
