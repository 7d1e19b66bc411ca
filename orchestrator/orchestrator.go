// Package orchestrator drives a fixed set of game sessions in lockstep
// against one shared learner.
//
// Each Step is two fan-out/fan-in barriers around the learner:
//
//	refresh every session -> encode -> choose -> observe -> perform on every session
//
// No session runs ahead of the others, so the learner always sees exactly
// one row per session per step, in session order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brensch/breadrl/convert"
	"github.com/brensch/breadrl/game"
	"github.com/brensch/breadrl/learner"
	"golang.org/x/sync/errgroup"
)

// Session is the per-account game connection the orchestrator drives.
// Retrying a failed call only helps if the session recovers from transport
// failures on its own; client.Session redials on the next call.
type Session interface {
	RefreshWorld(ctx context.Context) error
	Perform(ctx context.Context, a game.Action) error
	// World is the view from the last refresh. It is only read between a
	// refresh and the following perform.
	World() game.World
	Score() float64
	OwnerColor() int
}

// Retry bounds how often a single session round trip is attempted.
type Retry struct {
	Attempts       int // total attempts, at least 1
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Config controls the control loop.
type Config struct {
	SaveInterval time.Duration
	Retry        Retry
	// Visualize attaches an ASCII rendering of the first session's view to
	// every Event.
	Visualize bool
}

// DefaultConfig saves every 30 seconds and does not retry failed round trips.
func DefaultConfig() Config {
	return Config{
		SaveInterval: 30 * time.Second,
		Retry: Retry{
			Attempts:       1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Event describes one completed step.
type Event struct {
	Step      int
	Scores    []float64
	MeanScore float64
	Actions   []int
	// Report is set on steps that trained.
	Report *learner.TrainReport
	Saved  bool
	View   string
}

// Orchestrator owns the control loop. The learner is only touched from the
// goroutine running Step or Run.
type Orchestrator struct {
	cfg      Config
	logger   *slog.Logger
	learner  *learner.Learner
	storage  learner.Storage
	sessions []Session
	encoder  convert.Encoder
	events   chan<- Event

	steps int
}

// New wires sessions to l. The session count must equal the learner's agent
// count. storage may be nil to disable checkpointing.
func New(cfg Config, l *learner.Learner, storage learner.Storage, sessions []Session, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if want := l.Config().Agents; len(sessions) != want {
		return nil, fmt.Errorf("orchestrator: %d sessions for %d agents", len(sessions), want)
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		learner:  l,
		storage:  storage,
		sessions: sessions,
		encoder:  l.Encoder(),
	}, nil
}

// SetEvents registers ch to receive one Event per step. Sends block until
// received or the run's context ends.
func (o *Orchestrator) SetEvents(ch chan<- Event) { o.events = ch }

// Steps is the number of completed steps.
func (o *Orchestrator) Steps() int { return o.steps }

// Step runs one lockstep iteration. Any session failing after its retries
// fails the whole step.
func (o *Orchestrator) Step(ctx context.Context) (*Event, error) {
	if err := o.fanOut(ctx, "refresh", func(ctx context.Context, _ int, s Session) error {
		return s.RefreshWorld(ctx)
	}); err != nil {
		return nil, err
	}

	views := make([]convert.View, len(o.sessions))
	scores := make([]float64, len(o.sessions))
	for i, s := range o.sessions {
		views[i] = convert.View{World: s.World(), OwnColor: s.OwnerColor()}
		scores[i] = s.Score()
	}
	states := o.encoder.EncodeBatch(views)

	actions, err := o.learner.Choose(states)
	if err != nil {
		return nil, fmt.Errorf("choose actions: %w", err)
	}
	report, err := o.learner.Observe(scores, states, actions)
	if err != nil {
		return nil, fmt.Errorf("observe: %w", err)
	}

	if err := o.fanOut(ctx, "perform", func(ctx context.Context, i int, s Session) error {
		return s.Perform(ctx, game.Action(actions[i]))
	}); err != nil {
		return nil, err
	}

	o.steps++
	ev := &Event{
		Step:    o.steps,
		Scores:  scores,
		Actions: actions,
		Report:  report,
	}
	for _, s := range scores {
		ev.MeanScore += s
	}
	ev.MeanScore /= float64(len(scores))
	if o.cfg.Visualize {
		ev.View = game.Render(views[0].World, views[0].OwnColor)
	}
	return ev, nil
}

// fanOut runs fn on every session concurrently, with retries, and waits for
// all of them. The first failure cancels the others.
func (o *Orchestrator) fanOut(ctx context.Context, op string, fn func(ctx context.Context, i int, s Session) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range o.sessions {
		g.Go(func() error {
			err := o.retry(gctx, func(ctx context.Context) error { return fn(ctx, i, s) })
			if err != nil {
				return fmt.Errorf("%s session %d: %w", op, i, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// retry calls fn until it succeeds, the attempts run out or ctx ends,
// doubling the backoff between attempts up to MaxBackoff.
func (o *Orchestrator) retry(ctx context.Context, fn func(context.Context) error) error {
	backoff := o.cfg.Retry.InitialBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= o.cfg.Retry.Attempts || ctx.Err() != nil {
			return err
		}
		o.logger.Warn("session round trip failed, retrying", "attempt", attempt, "backoff", backoff, "err", err)
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, o.cfg.Retry.MaxBackoff)
	}
}

// Run steps until ctx is cancelled or a step fails, saving a checkpoint
// every SaveInterval and once more on the way out. Cancellation is a clean
// stop and returns nil.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "sessions", len(o.sessions), "save_interval", o.cfg.SaveInterval)
	lastSave := time.Now()

	var runErr error
	for ctx.Err() == nil {
		ev, err := o.Step(ctx)
		if err != nil {
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
		if o.storage != nil && o.cfg.SaveInterval > 0 && time.Since(lastSave) >= o.cfg.SaveInterval {
			if err := o.learner.Save(o.storage); err != nil {
				o.logger.Error("periodic save failed", "err", err)
			} else {
				ev.Saved = true
			}
			lastSave = time.Now()
		}
		if o.events != nil {
			select {
			case o.events <- *ev:
			case <-ctx.Done():
			}
		}
	}

	if o.storage != nil {
		if err := o.learner.Save(o.storage); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("final save: %w", err))
		}
	}
	if runErr != nil {
		o.logger.Error("orchestrator stopped", "steps", o.steps, "err", runErr)
	} else {
		o.logger.Info("orchestrator stopped", "steps", o.steps)
	}
	return runErr
}
