// Command breadbot logs a fleet of bot accounts into a BreadQuest server and
// trains one shared Q network on all of them while they play.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/brensch/breadrl/client"
	"github.com/brensch/breadrl/game"
	"github.com/brensch/breadrl/learner"
	"github.com/brensch/breadrl/logging"
	"github.com/brensch/breadrl/orchestrator"
	"github.com/brensch/breadrl/store"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"
)

func main() {
	lcfg := learner.DefaultConfig()
	ccfg := client.DefaultConfig()
	ocfg := orchestrator.DefaultConfig()

	server := flag.String("server", getEnvOrDefault("BREADQUEST_SERVER", ccfg.BaseURL), "BreadQuest HTTP root")
	wsRoot := flag.String("ws", getEnvOrDefault("BREADQUEST_SERVER_WS", ""), "BreadQuest websocket root (derived from -server when empty)")
	agents := flag.Int("agents", getEnvIntOrDefault("AGENTS", lcfg.Agents), "Number of bot accounts playing in lockstep")
	batchSize := flag.Int("batch-size", getEnvIntOrDefault("BATCH_SIZE", lcfg.BatchSize), "Time slots per training batch")
	radius := flag.Int("radius", getEnvIntOrDefault("RADIUS", lcfg.Radius), "Vision radius fed to the network")
	discount := flag.Float64("discount", getEnvFloatOrDefault("DISCOUNT", lcfg.Discount), "Future reward discount")
	lr := flag.Float64("lr", getEnvFloatOrDefault("LEARNING_RATE", lcfg.LearningRate), "Adam learning rate")
	exploration := flag.Float64("exploration", getEnvFloatOrDefault("EXPLORATION", lcfg.Exploration), "Probability floor added to every action")
	semiGradient := flag.Bool("semi-gradient", getEnvBoolOrDefault("SEMI_GRADIENT", false), "Treat the bootstrapped target as a constant")
	saveDir := flag.String("save-dir", getEnvOrDefault("SAVE_DIR", "network"), "Checkpoint directory")
	saveEvery := flag.Duration("save-every", getEnvDurationOrDefault("SAVE_EVERY", ocfg.SaveInterval), "Checkpoint interval")
	archiveDir := flag.String("archive-dir", getEnvOrDefault("ARCHIVE_DIR", ""), "Directory for parquet transition archives (disabled when empty)")
	archiveEvery := flag.Int("archive-every", getEnvIntOrDefault("ARCHIVE_EVERY", 10), "Training batches per archive file")
	namePrefix := flag.String("name-prefix", getEnvOrDefault("NAME_PREFIX", "smartboix"), "Bot username prefix")
	password := flag.String("password", getEnvOrDefault("BOT_PASSWORD", "aaaaa"), "Password shared by every bot account")
	accountsLog := flag.String("accounts-log", getEnvOrDefault("ACCOUNTS_LOG", filepath.Join("network", "accounts.log")), "Append-only list of registered bot accounts")
	retries := flag.Int("retries", getEnvIntOrDefault("RETRIES", ocfg.Retry.Attempts), "Attempts per session round trip before the step fails")
	logFormat := flag.String("log-format", getEnvOrDefault("LOG_FORMAT", logging.FormatText), "Log format: text, json or pretty")
	useTUI := flag.Bool("tui", getEnvBoolOrDefault("TUI", false), "Show a live dashboard instead of log lines")
	visualize := flag.Bool("visualize", getEnvBoolOrDefault("VISUALIZE", false), "Render the first agent's view every step")
	flag.Parse()

	lcfg.Agents = *agents
	lcfg.BatchSize = *batchSize
	lcfg.Radius = *radius
	lcfg.Discount = *discount
	lcfg.LearningRate = *lr
	lcfg.Exploration = *exploration
	lcfg.SemiGradient = *semiGradient

	ocfg.SaveInterval = *saveEvery
	ocfg.Retry.Attempts = *retries
	ocfg.Visualize = *visualize

	if err := run(options{
		server:       *server,
		wsRoot:       *wsRoot,
		saveDir:      *saveDir,
		archiveDir:   *archiveDir,
		archiveEvery: *archiveEvery,
		namePrefix:   *namePrefix,
		password:     *password,
		accountsLog:  *accountsLog,
		logFormat:    *logFormat,
		useTUI:       *useTUI,
	}, lcfg, ccfg, ocfg); err != nil {
		// The logger may point at a log file run has already closed.
		fmt.Fprintf(os.Stderr, "breadbot: %v\n", err)
		os.Exit(1)
	}
}

// options are the flag values that are not part of a component Config.
type options struct {
	server       string
	wsRoot       string
	saveDir      string
	archiveDir   string
	archiveEvery int
	namePrefix   string
	password     string
	accountsLog  string
	logFormat    string
	useTUI       bool
}

// run owns every resource the bot opens. It returns instead of exiting so
// the deferred closes finish the archive, the sessions and the account log.
func run(opts options, lcfg learner.Config, ccfg client.Config, ocfg orchestrator.Config) error {
	var logOut io.Writer = os.Stderr
	if opts.useTUI {
		// Logs go to a file so they don't tear the dashboard.
		f, err := os.OpenFile("breadbot.log", os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := logging.New(logOut, opts.logFormat, slog.LevelInfo)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	slog.SetDefault(logger)

	ccfg.BaseURL = opts.server
	ccfg.WebsocketURL = opts.wsRoot
	ccfg.VisionSize = 2*lcfg.Radius + 1

	logger.Info("starting breadbot",
		"server", ccfg.BaseURL,
		"agents", lcfg.Agents,
		"batch_size", lcfg.BatchSize,
		"radius", lcfg.Radius,
		"discount", lcfg.Discount,
		"lr", lcfg.LearningRate,
		"save_every", ocfg.SaveInterval,
		"archive_dir", opts.archiveDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l, err := learner.New(lcfg, logger.With("component", "learner"))
	if err != nil {
		return fmt.Errorf("create learner: %w", err)
	}
	checkpoints, err := store.NewCheckpointDir(opts.saveDir)
	if err != nil {
		return fmt.Errorf("open checkpoint dir: %w", err)
	}
	loaded, err := l.Load(checkpoints)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	logger.Info("checkpoint dir ready", "dir", checkpoints.Dir(), "resumed", loaded)

	if opts.archiveDir != "" {
		runID := fmt.Sprintf("run_%d", time.Now().Unix())
		archive, err := store.NewArchiveWriter(opts.archiveDir, runID, opts.archiveEvery, logger.With("component", "archive"))
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Error("close archive", "err", err)
				return
			}
			logger.Info("archive closed", "dir", archive.Dir(), "files", len(archive.Files()))
		}()
		l.SetArchiver(archive)
	}

	accounts, err := store.OpenAccountLog(opts.accountsLog)
	if err != nil {
		return fmt.Errorf("open accounts log: %w", err)
	}
	defer accounts.Close()

	sessions, err := connectAll(ctx, ccfg, accounts, opts.namePrefix, opts.password, lcfg.Agents, logger)
	if err != nil {
		return fmt.Errorf("connect sessions: %w", err)
	}
	defer func() {
		for _, s := range sessions {
			_ = s.Close()
		}
	}()

	drive := make([]orchestrator.Session, len(sessions))
	for i, s := range sessions {
		drive[i] = s
	}
	orch, err := orchestrator.New(ocfg, l, checkpoints, drive, logger.With("component", "orchestrator"))
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	events := make(chan orchestrator.Event, 16)
	orch.SetEvents(events)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runErr := make(chan error, 1)
	go func() {
		err := orch.Run(runCtx)
		close(events)
		runErr <- err
	}()

	if opts.useTUI {
		p := tea.NewProgram(initialModel(events, lcfg.Agents), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			logger.Error("dashboard stopped", "err", err)
		}
		cancelRun()
		// Drain so the orchestrator's final sends don't block.
		go func() {
			for range events {
			}
		}()
	} else {
		for ev := range events {
			if ev.View != "" {
				fmt.Printf("step %d mean bread %.2f\n%s\n", ev.Step, ev.MeanScore, ev.View)
			}
		}
	}

	if err := <-runErr; err != nil {
		return fmt.Errorf("run: %w", err)
	}
	logger.Info("shutdown complete", "steps", orch.Steps(), "train_steps", l.Steps())
	return nil
}

// connectAll logs every bot in concurrently. Names are <prefix>-<i>; the
// avatar, and so the trail colour, cycles through the palette.
func connectAll(ctx context.Context, cfg client.Config, accounts *store.AccountLog, prefix, password string, n int, logger *slog.Logger) ([]*client.Session, error) {
	sessions := make([]*client.Session, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			name := fmt.Sprintf("%s-%d", prefix, i)
			s, err := client.Connect(gctx, cfg, client.Credentials{
				Username:   name,
				Password:   password,
				Email:      name + "@bread.invalid",
				Avatar:     i % game.ColorCount,
				Registered: accounts.Has(name),
			}, logger.With("component", "client"))
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			logger.Debug("session ready", "user", s.Username(), "avatar", s.OwnerColor())
			sessions[i] = s
			return accounts.Add(name)
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			if s != nil {
				_ = s.Close()
			}
		}
		return nil, err
	}
	logger.Info("all sessions connected", "count", n)
	return sessions, nil
}
