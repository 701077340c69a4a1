package stages

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often expired stages are purged.
const DefaultSweepInterval = 5 * time.Minute

// Sweeper runs Manager.Sweep on a fixed interval.
type Sweeper struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
}

// NewSweeper registers the sweep job. Call Start to begin running it.
func NewSweeper(manager *Manager, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if manager == nil {
		return nil, errors.New("stages: manager required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("stages: create scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if purged := manager.Sweep(); purged > 0 {
				logger.Info("stage sweep", zap.Int("purged", purged), zap.Int("remaining", manager.Len()))
			}
		}),
		gocron.WithName("stage-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("stages: register sweep job: %w", err)
	}
	return &Sweeper{scheduler: scheduler, logger: logger}, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Shutdown stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Shutdown() error {
	return s.scheduler.Shutdown()
}
