package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/opspawn/ops-core/internal/metrics"
)

// RunnerConfig holds dispatch loop configuration.
type RunnerConfig struct {
	// PollInterval is the sleep between polls of an empty queue
	PollInterval time.Duration

	// MaxDispatchRate caps ProcessNextTask calls per second (0 = unlimited)
	MaxDispatchRate float64

	// Workers is the number of cooperating consumers (default 1)
	Workers int
}

// DefaultRunnerConfig returns sensible defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		PollInterval:    500 * time.Millisecond,
		MaxDispatchRate: 50,
		Workers:         1,
	}
}

// Runner drives Engine.ProcessNextTask until its context is cancelled.
type Runner struct {
	engine  *Engine
	limiter *rate.Limiter
	cfg     RunnerConfig
	logger  *slog.Logger
}

// NewRunner creates a Runner for engine.
func NewRunner(engine *Engine, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRunnerConfig().PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	limit := rate.Inf
	burst := cfg.Workers
	if cfg.MaxDispatchRate > 0 {
		limit = rate.Limit(cfg.MaxDispatchRate)
		if b := int(cfg.MaxDispatchRate); b > burst {
			burst = b
		}
	}

	return &Runner{
		engine:  engine,
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("dispatch runner started",
		slog.Int("workers", r.cfg.Workers),
		slog.Duration("poll_interval", r.cfg.PollInterval),
		slog.Float64("max_dispatch_rate", r.cfg.MaxDispatchRate),
	)

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	r.logger.Info("dispatch runner stopped")
}

func (r *Runner) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}

		outcome, err := r.engine.ProcessNextTask(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("dispatch loop iteration failed",
				slog.Int("worker", worker),
				slog.String("outcome", outcome.String()),
				slog.Any("error", err),
			)
		}
		if n, err := r.engine.QueueLength(ctx); err == nil {
			metrics.QueueDepth.Set(float64(n))
		}

		if outcome != OutcomeIdle {
			continue
		}

		timer.Reset(r.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
