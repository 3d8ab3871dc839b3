package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickerTask is a job that runs once at start and then on every Interval.
// Tasks with a non-positive Interval or no Run are ignored.
type TickerTask struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// TickerConfig configures TickerLoop.
type TickerConfig struct {
	// Name identifies the worker for logging.
	Name string

	Tasks []TickerTask

	// OnStop is called once when the loop exits.
	OnStop func()

	Logger *zerolog.Logger
}

// TickerLoop runs every task on its own ticker until ctx is done. A slow task
// only delays its own next run. Returns a wrapped context error.
func TickerLoop(ctx context.Context, cfg TickerConfig) error {
	logger := getLogger(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Int("tasks", len(cfg.Tasks)).Msg("starting ticker loop")

	defer func() {
		if cfg.OnStop != nil {
			cfg.OnStop()
		}

		logger.Info().Str(logFieldWorker, cfg.Name).Msg("ticker loop stopped")
	}()

	var wg sync.WaitGroup

	for _, task := range cfg.Tasks {
		if task.Interval <= 0 || task.Run == nil {
			logger.Warn().Str(logFieldWorker, cfg.Name).Str(logFieldTask, task.Name).Msg("skipping task without interval")

			continue
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			runTask(ctx, task, logger)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	return fmt.Errorf("ticker loop %s: %w", cfg.Name, ctx.Err())
}

func runTask(ctx context.Context, task TickerTask, logger *zerolog.Logger) {
	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	runGuarded(ctx, logger, task.Name, task.Run)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Debug().Str(logFieldTask, task.Name).Msg("ticker fired")
			runGuarded(ctx, logger, task.Name, task.Run)
		}
	}
}

// SingleTickerConfig configures SingleTickerLoop.
type SingleTickerConfig struct {
	// Name identifies the worker for logging.
	Name string

	Interval time.Duration

	// OnTick is called every time the ticker fires.
	OnTick func(ctx context.Context)

	// RunOnStart runs OnTick immediately when starting.
	RunOnStart bool

	Logger *zerolog.Logger
}

// SingleTickerLoop calls OnTick on every Interval until ctx is done.
// Returns a wrapped context error.
func SingleTickerLoop(ctx context.Context, cfg SingleTickerConfig) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("single ticker loop %s: non-positive interval %s", cfg.Name, cfg.Interval)
	}

	logger := getLogger(cfg.Logger)
	logger.Info().Str(logFieldWorker, cfg.Name).Dur("interval", cfg.Interval).Msg("starting single ticker loop")

	defer logger.Info().Str(logFieldWorker, cfg.Name).Msg("single ticker loop stopped")

	tick := func(ctx context.Context) {
		if cfg.OnTick != nil {
			runGuarded(ctx, logger, cfg.Name, cfg.OnTick)
		}
	}

	if cfg.RunOnStart {
		tick(ctx)
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("single ticker loop %s: %w", cfg.Name, ctx.Err())
		case <-ticker.C:
			tick(ctx)
		}
	}
}
