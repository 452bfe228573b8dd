package sync

import (
	"context"
	gosync "sync"
	"time"

	"go.uber.org/zap"
)

// SchedulerConfig tunes the background sync loop.
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	FullEvery    int           `yaml:"fullEvery"` // every Nth cycle is a full scan
	MaxDilation  int           `yaml:"maxDilation"`
	Pairs        []Pair        `yaml:"pairs"`
}

// Scheduler runs sync cycles per pair on a timer. When a provider rate
// limits a cycle, the pair's schedule dilates (doubling up to MaxDilation)
// and contracts back to the base interval after a clean cycle.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewScheduler creates a scheduler over the given engine.
func NewScheduler(engine *Engine, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.FullEvery <= 0 {
		cfg.FullEvery = 12
	}
	if cfg.MaxDilation <= 0 {
		cfg.MaxDilation = 8
	}
	return &Scheduler{engine: engine, cfg: cfg, logger: logger}
}

// Start launches one loop per configured pair.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, p := range s.cfg.Pairs {
		s.wg.Add(1)
		go s.loop(ctx, p)
	}
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, p Pair) {
	defer s.wg.Done()

	dilation := 1
	cycle := 0
	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		cycle++
		var (
			sum Summary
			err error
		)
		if cycle%s.cfg.FullEvery == 0 {
			sum, err = s.engine.RunFull(ctx, p)
		} else {
			sum, err = s.engine.RunIncremental(ctx, p)
		}

		switch {
		case sum.RateLimited:
			if dilation < s.cfg.MaxDilation {
				dilation *= 2
			}
			s.logger.Warn("Provider rate limited sync, dilating schedule",
				zap.String("tenant_id", p.TenantID),
				zap.String("provider_id", p.ProviderID),
				zap.Int("dilation", dilation))
		case err != nil:
			s.logger.Warn("Sync cycle failed",
				zap.String("tenant_id", p.TenantID),
				zap.String("provider_id", p.ProviderID),
				zap.Error(err))
		default:
			dilation = 1
		}

		timer.Reset(s.cfg.Interval * time.Duration(dilation))
	}
}
