package bridge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentworkforce/leadbridge/internal/metrics"
)

const (
	JobReport    = "report"
	JobTrim      = "trim"
	JobFollowUps = "followups"
	JobReconcile = "reconcile"
)

type ScheduleOptions struct {
	Report    string
	Trim      string
	FollowUps string
	// Reconcile is disabled when empty.
	Reconcile string
	// JobTimeout bounds a single run.
	JobTimeout time.Duration
}

func DefaultSchedule() ScheduleOptions {
	return ScheduleOptions{
		Report:     "0 9 * * *",
		Trim:       "0 9 * * *",
		FollowUps:  "* * * * *",
		JobTimeout: 5 * time.Minute,
	}
}

// TrimResult maps table name to the number of dropped entries.
type TrimResult map[string]int

// TrimTables keeps the most recent entries of every correlation table.
func (e *Engine) TrimTables() (TrimResult, error) {
	result := TrimResult{}
	var firstErr error
	correlation := e.tables.Correlation()
	names := make([]string, 0, len(correlation))
	for name := range correlation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dropped, err := correlation[name].Trim(e.tableLimit)
		if err != nil {
			e.log.Error("table trim failed", "table", name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("trim %s: %w", name, err)
			}
			continue
		}
		result[name] = dropped
	}
	e.log.Info("tables trimmed", "limit", e.tableLimit, "dropped", map[string]int(result))
	return result, firstErr
}

// RunJob runs one named job synchronously.
func (e *Engine) RunJob(ctx context.Context, name string) error {
	var err error
	switch name {
	case JobReport:
		_, err = e.RunReport(ctx)
	case JobTrim:
		_, err = e.TrimTables()
	case JobFollowUps:
		_, err = e.RunDueFollowUps(ctx)
	case JobReconcile:
		_, err = e.Reconcile(ctx)
	default:
		return fmt.Errorf("%w: unknown job %q", ErrInvalidInput, name)
	}
	status := "ok"
	if err != nil {
		status = "error"
		e.log.Error("job failed", "job", name, "error", err)
	}
	metrics.JobRuns.WithLabelValues(name, status).Inc()
	return err
}

// Scheduler runs the periodic jobs on cron schedules in the engine's zone.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	opts   ScheduleOptions
}

func NewScheduler(engine *Engine, opts ScheduleOptions) (*Scheduler, error) {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	c := cron.New(
		cron.WithLocation(engine.location),
		cron.WithChain(cron.Recover(cronLogger{engine}), cron.SkipIfStillRunning(cronLogger{engine})),
	)
	s := &Scheduler{engine: engine, cron: c, opts: opts}
	for job, spec := range map[string]string{
		JobReport:    opts.Report,
		JobTrim:      opts.Trim,
		JobFollowUps: opts.FollowUps,
		JobReconcile: opts.Reconcile,
	} {
		if spec == "" {
			continue
		}
		if _, err := c.AddFunc(spec, s.runner(job)); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job, spec, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runner(job string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
		defer cancel()
		_ = s.engine.RunJob(ctx, job)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for running jobs to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Entries reports the next run of every scheduled job.
func (s *Scheduler) Entries() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Next)
	}
	return out
}

type cronLogger struct {
	engine *Engine
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.engine.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.engine.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
