// Copyright Contributors to the KubeTask project

// Package scheduler runs the orchestrator's periodic cycles for the lifetime of
// the controller manager.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"
)

// Cycle is one unit of periodic work
type Cycle func(ctx context.Context)

type loop struct {
	name  string
	delay time.Duration
	fn    Cycle
}

// Scheduler runs fixed-delay loops and cron-scheduled cycles. Every cycle gets a
// logger named after it in its context.
type Scheduler struct {
	logger logr.Logger
	cron   *cron.Cron
	loops  []loop

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

var _ manager.Runnable = &Scheduler{}

// New creates a Scheduler
func New(logger logr.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(logger.WithName("cron")),
			cron.WithChain(cron.Recover(logger.WithName("cron")), cron.SkipIfStillRunning(logger.WithName("cron"))),
		),
	}
}

// Every runs fn once at start and then repeatedly, waiting delay after each run
// completes before starting the next.
func (s *Scheduler) Every(name string, delay time.Duration, fn Cycle) {
	s.loops = append(s.loops, loop{name: name, delay: delay, fn: fn})
}

// Schedule runs fn on schedule. A run is skipped while the previous one is still going.
func (s *Scheduler) Schedule(name string, schedule cron.Schedule, fn Cycle) {
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		s.run(ctx, name, fn)
	}))
}

// ScheduleSpec parses a standard cron expression and schedules fn with it
func (s *Scheduler) ScheduleSpec(name, spec string, fn Cycle) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.Schedule(name, schedule, fn)
	return nil
}

func (s *Scheduler) run(ctx context.Context, name string, fn Cycle) {
	logger := s.logger.WithName(name)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("%v", r), "cycle panicked")
		}
	}()
	fn(log.IntoContext(ctx, logger))
}

// Start runs every cycle until ctx is cancelled, then waits for running cycles
// to return
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range s.loops {
		wg.Add(1)
		go func(l loop) {
			defer wg.Done()
			s.logger.Info("starting cycle", "cycle", l.name, "delay", l.delay.String())
			// sliding: the delay is measured from the end of the previous run
			wait.JitterUntilWithContext(ctx, func(ctx context.Context) { s.run(ctx, l.name, l.fn) }, l.delay, 0, true)
		}(l)
	}

	s.cron.Start()
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	wg.Wait()
	return nil
}

// NeedLeaderElection implements manager.LeaderElectionRunnable. Only the leader
// dispatches and sweeps.
func (s *Scheduler) NeedLeaderElection() bool {
	return true
}
