package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/harunnryd/genkan/internal/bus"
	"github.com/harunnryd/genkan/internal/config"
	genkanErrors "github.com/harunnryd/genkan/internal/errors"
)

// Payload is published on the bus for each job fire.
type Payload struct {
	JobID    string
	Prompt   string
	Workdir  string
	ChatIDs  []int64
	FireTime time.Time
	RunID    string
}

type Publisher interface {
	Publish(evt bus.Event)
}

// Scheduler fires config-declared cron jobs onto the event bus. Fire
// state lives in the Store so restarts pick up where the last run left.
type Scheduler struct {
	store *Store
	bus   Publisher
	jobs  []config.JobConfig

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	ticker  *time.Ticker

	tickInterval time.Duration
}

func New(store *Store, publisher Publisher, cfg config.SchedulerConfig) (*Scheduler, error) {
	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	for _, job := range cfg.Jobs {
		if job.ID == "" {
			return nil, genkanErrors.InvalidInput("scheduler job without id")
		}
		if _, err := cron.ParseStandard(job.Schedule); err != nil {
			return nil, fmt.Errorf("job %s: invalid cron schedule %q: %w", job.ID, job.Schedule, err)
		}
	}

	return &Scheduler{
		store:        store,
		bus:          publisher,
		jobs:         cfg.Jobs,
		tickInterval: tickInterval,
	}, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	active := make(map[string]bool, len(s.jobs))
	for _, job := range s.jobs {
		active[job.ID] = true
	}
	if err := s.store.Prune(active); err != nil {
		return fmt.Errorf("prune scheduler state: %w", err)
	}

	slog.Info("Scheduler initialized", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.ticker = time.NewTicker(s.tickInterval)
	go s.run()

	slog.Info("Scheduler started", "tick_interval", s.tickInterval)
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}

	slog.Info("Scheduler stopped")
	return nil
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return genkanErrors.Internal("scheduler not initialized")
	}
	if !s.IsRunning() {
		return genkanErrors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.ticker.C:
			s.onTick(time.Now())
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

func (s *Scheduler) onTick(now time.Time) {
	for _, job := range s.jobs {
		shouldFire, err := s.store.ShouldFire(job.ID, job.Schedule, now)
		if err != nil {
			slog.Error("Failed to evaluate job schedule", "job", job.ID, "error", err)
			continue
		}
		if shouldFire {
			s.fire(job, now)
		}
	}
}

func (s *Scheduler) fire(job config.JobConfig, fireTime time.Time) {
	runID := ulid.Make().String()

	evt := bus.NewEvent(bus.KindScheduled, "scheduler", "", Payload{
		JobID:    job.ID,
		Prompt:   job.Prompt,
		Workdir:  job.Workdir,
		ChatIDs:  job.ChatIDs,
		FireTime: fireTime,
		RunID:    runID,
	})
	s.bus.Publish(evt)

	if err := s.store.MarkFired(job.ID, runID, fireTime); err != nil {
		slog.Error("Failed to record job fire", "job", job.ID, "error", err)
	}

	slog.Info("Scheduled job fired",
		"job", job.ID, "run_id", runID, "correlation_id", evt.CorrelationID)
}
