// Package scheduler wires up the cron job that triggers the daily ingestion.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"editais/ingest-service/internal/model"
)

// Runner runs one ingestion over the default window. *scraper.Worker
// implements it.
type Runner interface {
	RunDaily(ctx context.Context, trigger model.Trigger) (model.RunResult, error)
}

// Scheduler wraps robfig/cron and owns the ingestion timer.
type Scheduler struct {
	cron       *cron.Cron
	runner     Runner
	spec       string // standard cron spec, e.g. "0 8 * * *"
	schedule   cron.Schedule
	loc        *time.Location
	runOnStart bool
	wg         sync.WaitGroup
	log        *slog.Logger
}

// New creates a Scheduler firing on spec in loc. A nil loc means time.Local.
// The spec is validated here so a bad value fails at startup.
func New(runner Runner, spec string, loc *time.Location, runOnStart bool) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}

	log := slog.With("component", "scheduler")
	clog := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(clog),
			// Recover must sit inside the skip guard so a panicking run
			// still releases it.
			cron.WithChain(cron.SkipIfStillRunning(clog), cron.Recover(clog)),
		),
		runner:     runner,
		spec:       spec,
		schedule:   sched,
		loc:        loc,
		runOnStart: runOnStart,
		log:        log,
	}, nil
}

// Start registers the job and starts the scheduler. Scheduled runs use ctx,
// so cancelling it aborts an in-flight run. With runOnStart one extra run is
// triggered immediately (non-blocking).
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runOnce(ctx, model.TriggerScheduled)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.log.Info("cron started", "spec", s.spec, "tz", s.loc.String(),
		"next", s.Next(time.Now()).Format(time.RFC3339))

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runOnce(ctx, model.TriggerStartup)
		}()
	}
	return nil
}

// Stop halts the timer and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.log.Info("cron stopped")
}

// Next reports the first firing strictly after t, in the scheduler's zone.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

func (s *Scheduler) runOnce(ctx context.Context, trigger model.Trigger) {
	res, err := s.runner.RunDaily(ctx, trigger)
	if err != nil {
		s.log.Error("ingestion failed", "trigger", string(trigger), "runId", res.RunID, "err", err)
		return
	}
	s.log.Info("ingestion complete", "trigger", string(trigger), "runId", res.RunID, "processed", res.Processed)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
