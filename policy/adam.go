package policy

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam is the bias-corrected Adam optimiser. It has no weight decay, no
// gradient clipping and a constant learning rate.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    []*mat.Dense
	v    []*mat.Dense
}

// NewAdam returns an optimiser for params with the usual beta and epsilon
// defaults.
func NewAdam(params []*mat.Dense, lr float64) *Adam {
	a := &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
	for _, p := range params {
		r, c := p.Dims()
		a.m = append(a.m, mat.NewDense(r, c, nil))
		a.v = append(a.v, mat.NewDense(r, c, nil))
	}
	return a
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.step }

// Step applies one update to params in place using grads, which must match
// params one to one.
func (a *Adam) Step(params []*mat.Dense, grads Gradients) error {
	if len(params) != len(a.m) || len(grads) != len(a.m) {
		return fmt.Errorf("policy: adam tracks %d params, got %d params and %d grads", len(a.m), len(params), len(grads))
	}
	for i := range params {
		pr, pc := params[i].Dims()
		gr, gc := grads[i].Dims()
		mr, mc := a.m[i].Dims()
		if pr != mr || pc != mc || gr != mr || gc != mc {
			return fmt.Errorf("policy: adam param %d shape mismatch", i)
		}
	}

	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LearningRate / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i := range params {
		p := params[i].RawMatrix()
		g := grads[i].RawMatrix()
		m := a.m[i].RawMatrix()
		v := a.v[i].RawMatrix()
		for r := 0; r < p.Rows; r++ {
			pRow := p.Data[r*p.Stride : r*p.Stride+p.Cols]
			gRow := g.Data[r*g.Stride : r*g.Stride+g.Cols]
			mRow := m.Data[r*m.Stride : r*m.Stride+m.Cols]
			vRow := v.Data[r*v.Stride : r*v.Stride+v.Cols]
			for j, gj := range gRow {
				mRow[j] = a.Beta1*mRow[j] + (1-a.Beta1)*gj
				vRow[j] = a.Beta2*vRow[j] + (1-a.Beta2)*gj*gj
				denom := math.Sqrt(vRow[j])/sqrtBC2 + a.Epsilon
				pRow[j] -= stepSize * mRow[j] / denom
			}
		}
	}
	return nil
}

type adamCheckpoint struct {
	LearningRate float64  `json:"lr"`
	Beta1        float64  `json:"beta1"`
	Beta2        float64  `json:"beta2"`
	Epsilon      float64  `json:"eps"`
	Step         int      `json:"step"`
	M            [][]byte `json:"m"`
	V            [][]byte `json:"v"`
}

// MarshalBinary encodes the hyperparameters and moment estimates.
func (a *Adam) MarshalBinary() ([]byte, error) {
	ck := adamCheckpoint{
		LearningRate: a.LearningRate,
		Beta1:        a.Beta1,
		Beta2:        a.Beta2,
		Epsilon:      a.Epsilon,
		Step:         a.step,
	}
	for i := range a.m {
		mb, err := a.m[i].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal first moment: %w", err)
		}
		vb, err := a.v[i].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal second moment: %w", err)
		}
		ck.M = append(ck.M, mb)
		ck.V = append(ck.V, vb)
	}
	return json.Marshal(ck)
}

// UnmarshalBinary restores state written by MarshalBinary. Moment shapes
// must match the params the optimiser was created for.
func (a *Adam) UnmarshalBinary(data []byte) error {
	var ck adamCheckpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return fmt.Errorf("decode optimizer checkpoint: %w", err)
	}
	m, err := unmarshalParams(ck.M, a.m)
	if err != nil {
		return err
	}
	v, err := unmarshalParams(ck.V, a.v)
	if err != nil {
		return err
	}
	a.LearningRate, a.Beta1, a.Beta2, a.Epsilon = ck.LearningRate, ck.Beta1, ck.Beta2, ck.Epsilon
	a.step, a.m, a.v = ck.Step, m, v
	return nil
}
