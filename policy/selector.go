package policy

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNonFinite is returned when a row of Q-values holds NaN or an infinity,
// which happens once training has diverged.
var ErrNonFinite = errors.New("policy: non-finite q-values")

// DefaultExploration is the floor added to every action probability.
const DefaultExploration = 1e-2

// Selector samples one action per row of Q-values. The softmax of each row is
// shifted up by Epsilon before sampling, so every action keeps a strictly
// positive chance of being picked however confident the network is.
type Selector struct {
	Epsilon float64
	Src     rand.Source
}

// Softmax writes the numerically stable softmax of q into dst and returns it.
func Softmax(dst, q []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(q))
	}
	lse := floats.LogSumExp(q)
	for i, v := range q {
		dst[i] = math.Exp(v - lse)
	}
	return dst
}

// Weights returns the unnormalised sampling weights for one row.
func (s *Selector) Weights(q []float64) []float64 {
	w := Softmax(nil, q)
	floats.AddConst(s.Epsilon, w)
	return w
}

// Choose draws one action index for every row of q, independently per row.
// A row with a NaN or infinite value fails the whole call.
func (s *Selector) Choose(q *mat.Dense) ([]int, error) {
	rows, _ := q.Dims()
	out := make([]int, rows)
	for i := 0; i < rows; i++ {
		row := q.RawRowView(i)
		if !finite(row) {
			return nil, fmt.Errorf("%w: row %d = %v", ErrNonFinite, i, row)
		}
		dist := distuv.NewCategorical(s.Weights(row), s.Src)
		out[i] = int(dist.Rand())
	}
	return out, nil
}

func finite(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
