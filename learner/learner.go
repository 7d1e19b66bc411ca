// Package learner runs online Q-learning over transitions collected from
// many agents at once.
//
// Every Observe call records one time slot (one transition per agent). When
// BatchSize slots have been collected the learner performs a single
// temporal-difference update and starts a fresh batch:
//
//	reward_t = score_{t+1} - score_t
//	target_t = reward_t + Discount * max_a Q(s_{t+1}, a)
//	loss     = mean((Q(s_t, a_t) - target_t)^2)
//
// The same live network produces both the prediction and the bootstrapped
// target.
package learner

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"

	"github.com/brensch/breadrl/convert"
	"github.com/brensch/breadrl/game"
	"github.com/brensch/breadrl/policy"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Checkpoint blob names.
const (
	NetworkCheckpoint   = "network.bin"
	OptimizerCheckpoint = "optimizer.bin"
)

// Config holds the learner's hyperparameters.
type Config struct {
	Agents        int     // transitions per time slot
	BatchSize     int     // time slots per training batch
	Discount      float64 // weight of the bootstrapped future value
	Radius        int     // vision radius of the encoded window
	EmbeddingSize int
	LearningRate  float64
	Exploration   float64 // floor added to every action probability
	// SemiGradient stops the gradient from flowing through the bootstrapped
	// target. When false the target term is differentiated too.
	SemiGradient bool
	// Seed makes initialisation and sampling reproducible. Zero picks a
	// random seed.
	Seed uint64
}

// DefaultConfig returns the hyperparameters the bot has always trained with.
func DefaultConfig() Config {
	return Config{
		Agents:        32,
		BatchSize:     24,
		Discount:      0.8,
		Radius:        5,
		EmbeddingSize: 3,
		LearningRate:  0.1,
		Exploration:   policy.DefaultExploration,
	}
}

// Storage persists opaque checkpoint blobs by name. Load must return an
// error matching fs.ErrNotExist when the blob is absent.
type Storage interface {
	Save(name string, blob []byte) error
	Load(name string) ([]byte, error)
}

// Archiver receives every full buffer just before it is trained on.
type Archiver interface {
	ArchiveBatch(trainStep int, buf *Buffer) error
}

// TrainReport summarises one training step.
type TrainReport struct {
	Step          int // 1-based count of training steps taken by this learner
	Samples       int
	Loss          float64
	MeanTarget    float64
	MeanPredicted float64
	MeanReward    float64
	// Rewards are the per-transition score deltas, slot-major.
	Rewards []float64
}

// Learner owns the network, optimiser, selector and experience buffer. It is
// not safe for concurrent use.
type Learner struct {
	cfg    Config
	logger *slog.Logger

	net      *policy.Network
	opt      *policy.Adam
	selector *policy.Selector
	buf      *Buffer
	archive  Archiver

	steps int
}

// New builds a learner with freshly initialised parameters.
func New(cfg Config, logger *slog.Logger) (*Learner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Radius < 0 {
		return nil, fmt.Errorf("learner: negative radius %d", cfg.Radius)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	window := convert.WindowLen(cfg.Radius)
	net, err := policy.NewNetwork(policy.NetworkConfig{
		Vocabulary: game.Vocabulary,
		Window:     window,
		Embedding:  cfg.EmbeddingSize,
		Actions:    game.NumActions,
	}, rand.NewPCG(seed, 1))
	if err != nil {
		return nil, err
	}
	buf, err := NewBuffer(cfg.BatchSize, cfg.Agents, window, game.NumActions)
	if err != nil {
		return nil, err
	}

	return &Learner{
		cfg:      cfg,
		logger:   logger,
		net:      net,
		opt:      policy.NewAdam(net.Params(), cfg.LearningRate),
		selector: &policy.Selector{Epsilon: cfg.Exploration, Src: rand.NewPCG(seed, 2)},
		buf:      buf,
	}, nil
}

// SetArchiver registers a to receive every full buffer. nil disables archiving.
func (l *Learner) SetArchiver(a Archiver) { l.archive = a }

// Config returns the learner's configuration.
func (l *Learner) Config() Config { return l.cfg }

// Encoder returns the encoder matching the network's input window.
func (l *Learner) Encoder() convert.Encoder { return convert.Encoder{Radius: l.cfg.Radius} }

// Network exposes the live network.
func (l *Learner) Network() *policy.Network { return l.net }

// Buffer exposes the experience buffer.
func (l *Learner) Buffer() *Buffer { return l.buf }

// Steps returns the number of training steps taken.
func (l *Learner) Steps() int { return l.steps }

// Choose samples one action per state.
func (l *Learner) Choose(states [][]int) ([]int, error) {
	q, err := l.net.Forward(states)
	if err != nil {
		return nil, err
	}
	return l.selector.Choose(q)
}

// Observe records the scores and states seen before actions were performed,
// together with the chosen actions. When the buffer fills it trains once,
// rewinds, and returns the report; otherwise the report is nil.
func (l *Learner) Observe(scores []float64, states [][]int, actions []int) (*TrainReport, error) {
	if err := l.buf.Write(scores, states, actions); err != nil {
		return nil, err
	}
	if !l.buf.Full() {
		return nil, nil
	}
	defer l.buf.Rewind()

	if l.archive != nil {
		if err := l.archive.ArchiveBatch(l.steps+1, l.buf); err != nil {
			l.logger.Warn("archive batch failed", "step", l.steps+1, "err", err)
		}
	}
	return l.Train()
}

// Train performs one TD update on the current buffer contents. The buffer
// must be full.
func (l *Learner) Train() (*TrainReport, error) {
	if !l.buf.Full() {
		return nil, fmt.Errorf("learner: train on partial buffer (%d/%d slots)", l.buf.Cursor(), l.buf.Capacity())
	}
	states, next, actions, rewards := l.buf.Transitions()
	n := len(states)

	qNext, err := l.net.Forward(next)
	if err != nil {
		return nil, fmt.Errorf("forward next states: %w", err)
	}
	targets := make([]float64, n)
	best := make([]int, n)
	for i := range targets {
		row := qNext.RawRowView(i)
		best[i] = floats.MaxIdx(row)
		targets[i] = rewards[i] + l.cfg.Discount*row[best[i]]
	}

	q, err := l.net.Forward(states)
	if err != nil {
		return nil, fmt.Errorf("forward states: %w", err)
	}
	predicted := make([]float64, n)
	diff := make([]float64, n)
	var loss float64
	for i := range predicted {
		predicted[i] = q.At(i, actions[i])
		diff[i] = predicted[i] - targets[i]
		loss += diff[i] * diff[i]
	}
	loss /= float64(n)

	dQ := mat.NewDense(n, game.NumActions, nil)
	for i, d := range diff {
		dQ.Set(i, actions[i], 2*d/float64(n))
	}
	grads, err := l.net.Backward(states, dQ)
	if err != nil {
		return nil, err
	}
	if !l.cfg.SemiGradient {
		dNext := mat.NewDense(n, game.NumActions, nil)
		for i, d := range diff {
			dNext.Set(i, best[i], -l.cfg.Discount*2*d/float64(n))
		}
		targetGrads, err := l.net.Backward(next, dNext)
		if err != nil {
			return nil, err
		}
		grads.Add(targetGrads)
	}

	if err := l.opt.Step(l.net.Params(), grads); err != nil {
		return nil, err
	}
	l.steps++

	report := &TrainReport{
		Step:          l.steps,
		Samples:       n,
		Loss:          loss,
		MeanTarget:    floats.Sum(targets) / float64(n),
		MeanPredicted: floats.Sum(predicted) / float64(n),
		MeanReward:    floats.Sum(rewards) / float64(n),
		Rewards:       rewards,
	}
	l.logger.Info("trained",
		"step", report.Step,
		"samples", report.Samples,
		"loss", report.Loss,
		"avg_q", report.MeanTarget,
		"avg_predicted_q", report.MeanPredicted,
		"avg_reward", report.MeanReward,
	)
	return report, nil
}

// Save writes the network and then the optimiser state. The pair is only
// consistent if both writes succeed.
func (l *Learner) Save(s Storage) error {
	netBlob, err := l.net.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode network: %w", err)
	}
	optBlob, err := l.opt.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode optimizer: %w", err)
	}
	if err := s.Save(NetworkCheckpoint, netBlob); err != nil {
		return fmt.Errorf("save network: %w", err)
	}
	if err := s.Save(OptimizerCheckpoint, optBlob); err != nil {
		return fmt.Errorf("save optimizer: %w", err)
	}
	l.logger.Info("saved checkpoint", "train_steps", l.steps)
	return nil
}

// Load restores the network and optimiser. If either blob is missing the
// learner keeps its fresh parameters and Load reports false. The pair is
// replaced together or not at all.
func (l *Learner) Load(s Storage) (bool, error) {
	netBlob, netErr := s.Load(NetworkCheckpoint)
	optBlob, optErr := s.Load(OptimizerCheckpoint)
	if errors.Is(netErr, fs.ErrNotExist) || errors.Is(optErr, fs.ErrNotExist) {
		l.logger.Info("no checkpoint found, starting from fresh parameters")
		return false, nil
	}
	if netErr != nil {
		return false, fmt.Errorf("load network: %w", netErr)
	}
	if optErr != nil {
		return false, fmt.Errorf("load optimizer: %w", optErr)
	}
	// Both halves decode into fresh values so a bad blob leaves the live
	// pair untouched.
	net, err := policy.NewNetwork(l.net.Config(), rand.NewPCG(0, 0))
	if err != nil {
		return false, err
	}
	if err := net.UnmarshalBinary(netBlob); err != nil {
		return false, err
	}
	opt := policy.NewAdam(net.Params(), l.cfg.LearningRate)
	if err := opt.UnmarshalBinary(optBlob); err != nil {
		return false, err
	}
	l.net, l.opt = net, opt
	l.logger.Info("loaded checkpoint", "optimizer_steps", l.opt.Steps())
	return true, nil
}
