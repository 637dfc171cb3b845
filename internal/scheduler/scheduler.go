package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/fatimadachari/CryptoWatcher/internal/evaluator"
)

const DefaultInterval = 60 * time.Second

type CycleRunner interface {
	RunCycle(ctx context.Context) (evaluator.CycleResult, error)
}

type MetricsSink interface {
	CycleStarted()
	CycleCompleted(duration time.Duration, triggered int, failed bool)
}

type Config struct {
	// Interval is the pause between the end of one cycle and the start of
	// the next.
	Interval time.Duration
}

type Scheduler struct {
	config  Config
	runner  CycleRunner
	metrics MetricsSink
	logger  *zap.Logger
	clock   func() time.Time
	after   func(time.Duration) <-chan time.Time
}

func New(config Config, runner CycleRunner, logger *zap.Logger) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		config: config,
		runner: runner,
		logger: logger.Named("scheduler"),
		clock:  time.Now,
		after:  time.After,
	}
}

// WithMetrics sets an optional metrics sink. Returns the Scheduler for chaining.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Run executes a cycle immediately, then waits Interval after each cycle
// completes. It returns ctx.Err() once ctx is cancelled; no cycle is started
// after that.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("started", zap.Duration("interval", s.config.Interval))

	for {
		if ctx.Err() != nil {
			s.logger.Info("stopped")
			return ctx.Err()
		}

		s.runCycle(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("stopped")
			return ctx.Err()
		case <-s.after(s.config.Interval):
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	start := s.clock()
	if s.metrics != nil {
		s.metrics.CycleStarted()
	}

	res, err := s.safeRun(ctx)

	duration := s.clock().Sub(start)
	if s.metrics != nil {
		s.metrics.CycleCompleted(duration, res.Triggered, err != nil)
	}

	if err != nil {
		s.logger.Error("cycle error", zap.Error(err), zap.Duration("duration", duration))
		return
	}
	s.logger.Info("cycle complete",
		zap.Int("alerts", res.Alerts),
		zap.Int("symbols", res.Symbols),
		zap.Int("triggered", res.Triggered),
		zap.Int("skipped", res.Skipped),
		zap.Int("conflicts", res.Conflicts),
		zap.Int("failed_groups", res.FailedGroups),
		zap.Duration("duration", duration),
	)
}

func (s *Scheduler) safeRun(ctx context.Context) (res evaluator.CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cycle panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("cycle panic: %v", r)
		}
	}()
	return s.runner.RunCycle(ctx)
}
