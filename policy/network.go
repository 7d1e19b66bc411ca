// Package policy holds the Q network, its optimiser and the exploratory
// action selector.
//
// The network embeds every cell of an encoded state, concatenates the
// embeddings and maps them to one score per action with a single affine
// layer:
//
//	q = concat(E[x_0], ..., E[x_{L-1}]) · W + b
//
// All parameters are gonum dense matrices so they can be checkpointed with
// their binary marshalers.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInputWidth is returned when a state's length differs from the
	// configured window length.
	ErrInputWidth = errors.New("policy: input width mismatch")
	// ErrCategory is returned when a state holds a code outside the vocabulary.
	ErrCategory = errors.New("policy: category out of vocabulary")
	// ErrEmptyBatch is returned for a batch with no rows.
	ErrEmptyBatch = errors.New("policy: empty batch")
	// ErrCheckpoint is returned when a checkpoint does not fit the receiver.
	ErrCheckpoint = errors.New("policy: checkpoint does not match network")
)

// NetworkConfig fixes the shapes of a Network.
type NetworkConfig struct {
	Vocabulary int // number of distinct category codes
	Window     int // cells per encoded state
	Embedding  int // embedding width per cell
	Actions    int // output width
}

func (c NetworkConfig) validate() error {
	if c.Vocabulary <= 0 || c.Window <= 0 || c.Embedding <= 0 || c.Actions <= 0 {
		return fmt.Errorf("policy: invalid network config %+v", c)
	}
	return nil
}

// Network is the embedding + linear Q network.
type Network struct {
	cfg NetworkConfig

	embedding *mat.Dense // Vocabulary x Embedding
	weights   *mat.Dense // Window*Embedding x Actions
	bias      *mat.Dense // 1 x Actions
}

// NewNetwork returns a freshly initialised network. Embeddings are drawn from
// N(0, 1); weights and bias from U(-k, k) with k = 1/sqrt(fan-in).
func NewNetwork(cfg NetworkConfig, src rand.Source) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fanIn := cfg.Window * cfg.Embedding
	k := 1 / math.Sqrt(float64(fanIn))
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	uniform := distuv.Uniform{Min: -k, Max: k, Src: src}

	n := &Network{
		cfg:       cfg,
		embedding: mat.NewDense(cfg.Vocabulary, cfg.Embedding, nil),
		weights:   mat.NewDense(fanIn, cfg.Actions, nil),
		bias:      mat.NewDense(1, cfg.Actions, nil),
	}
	fill(n.embedding, normal.Rand)
	fill(n.weights, uniform.Rand)
	fill(n.bias, uniform.Rand)
	return n, nil
}

func fill(m *mat.Dense, draw func() float64) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j := range row {
			row[j] = draw()
		}
	}
}

// Config returns the shapes the network was built with.
func (n *Network) Config() NetworkConfig { return n.cfg }

// Params returns the learnable matrices in a fixed order: embedding, weights,
// bias. The optimiser relies on this order.
func (n *Network) Params() []*mat.Dense {
	return []*mat.Dense{n.embedding, n.weights, n.bias}
}

func (n *Network) checkBatch(states [][]int) error {
	if len(states) == 0 {
		return ErrEmptyBatch
	}
	for i, row := range states {
		if len(row) != n.cfg.Window {
			return fmt.Errorf("%w: row %d has %d cells, want %d", ErrInputWidth, i, len(row), n.cfg.Window)
		}
		for j, c := range row {
			if c < 0 || c >= n.cfg.Vocabulary {
				return fmt.Errorf("%w: row %d cell %d = %d", ErrCategory, i, j, c)
			}
		}
	}
	return nil
}

// gather looks up and concatenates the embeddings of every cell.
func (n *Network) gather(states [][]int) *mat.Dense {
	d := n.cfg.Embedding
	h := mat.NewDense(len(states), n.cfg.Window*d, nil)
	for i, row := range states {
		dst := h.RawRowView(i)
		for j, c := range row {
			copy(dst[j*d:(j+1)*d], n.embedding.RawRowView(c))
		}
	}
	return h
}

// Forward returns a len(states) x Actions matrix of Q-values. Every state
// must have exactly Window cells.
func (n *Network) Forward(states [][]int) (*mat.Dense, error) {
	if err := n.checkBatch(states); err != nil {
		return nil, err
	}
	h := n.gather(states)

	var q mat.Dense
	q.Mul(h, n.weights)
	bias := n.bias.RawRowView(0)
	for i := 0; i < len(states); i++ {
		row := q.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return &q, nil
}

// Gradients has one matrix per parameter, in Params order.
type Gradients []*mat.Dense

// Add accumulates other into g.
func (g Gradients) Add(other Gradients) {
	for i := range g {
		g[i].Add(g[i], other[i])
	}
}

// Backward returns the gradients of a scalar loss with respect to every
// parameter, given the loss gradient dQ with respect to Forward(states).
func (n *Network) Backward(states [][]int, dQ *mat.Dense) (Gradients, error) {
	if err := n.checkBatch(states); err != nil {
		return nil, err
	}
	if r, c := dQ.Dims(); r != len(states) || c != n.cfg.Actions {
		return nil, fmt.Errorf("policy: gradient shape %dx%d, want %dx%d", r, c, len(states), n.cfg.Actions)
	}
	h := n.gather(states)
	d := n.cfg.Embedding

	var dW mat.Dense
	dW.Mul(h.T(), dQ)

	dB := mat.NewDense(1, n.cfg.Actions, nil)
	db := dB.RawRowView(0)
	for i := 0; i < len(states); i++ {
		for j, v := range dQ.RawRowView(i) {
			db[j] += v
		}
	}

	var dH mat.Dense
	dH.Mul(dQ, n.weights.T())

	dE := mat.NewDense(n.cfg.Vocabulary, d, nil)
	for i, row := range states {
		src := dH.RawRowView(i)
		for j, c := range row {
			dst := dE.RawRowView(c)
			for k := 0; k < d; k++ {
				dst[k] += src[j*d+k]
			}
		}
	}

	return Gradients{dE, &dW, dB}, nil
}

type networkCheckpoint struct {
	Config NetworkConfig `json:"config"`
	Params [][]byte      `json:"params"`
}

// MarshalBinary encodes the network's shapes and parameters.
func (n *Network) MarshalBinary() ([]byte, error) {
	ck := networkCheckpoint{Config: n.cfg}
	for _, p := range n.Params() {
		b, err := p.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal param: %w", err)
		}
		ck.Params = append(ck.Params, b)
	}
	return json.Marshal(ck)
}

// UnmarshalBinary restores parameters written by MarshalBinary. The
// checkpoint must have been taken from a network with the same config.
func (n *Network) UnmarshalBinary(data []byte) error {
	var ck networkCheckpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return fmt.Errorf("decode network checkpoint: %w", err)
	}
	if ck.Config != n.cfg {
		return fmt.Errorf("%w: checkpoint %+v, network %+v", ErrCheckpoint, ck.Config, n.cfg)
	}
	params, err := unmarshalParams(ck.Params, n.Params())
	if err != nil {
		return err
	}
	n.embedding, n.weights, n.bias = params[0], params[1], params[2]
	return nil
}

// unmarshalParams decodes each blob and checks it against the shape of the
// matching template matrix.
func unmarshalParams(blobs [][]byte, like []*mat.Dense) ([]*mat.Dense, error) {
	if len(blobs) != len(like) {
		return nil, fmt.Errorf("%w: %d params, want %d", ErrCheckpoint, len(blobs), len(like))
	}
	out := make([]*mat.Dense, len(blobs))
	for i, b := range blobs {
		var m mat.Dense
		if err := m.UnmarshalBinary(b); err != nil {
			return nil, fmt.Errorf("decode param %d: %w", i, err)
		}
		wr, wc := like[i].Dims()
		if r, c := m.Dims(); r != wr || c != wc {
			return nil, fmt.Errorf("%w: param %d is %dx%d, want %dx%d", ErrCheckpoint, i, r, c, wr, wc)
		}
		out[i] = &m
	}
	return out, nil
}
