// Package janitor runs periodic housekeeping for the pipeline on cron
// schedules: cache TTL sweeps, activity evaluation and delivery log pruning.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"roomrelay/internal/activity"
	"roomrelay/internal/storage"
	logx "roomrelay/pkg/logx"
)

// Pipeline is the part of the pipeline housekeeping drives.
type Pipeline interface {
	CleanupExpiredCache(maxAgeMinutes int) int
	Evaluate(now time.Time) activity.Summary
}

type Config struct {
	Timezone string

	CacheSweep   string
	CacheMaxIdle time.Duration

	ActivityEval string

	PruneDeliveries string
	DeliveryKeep    time.Duration

	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheSweep == "" {
		c.CacheSweep = "@every 10m"
	}
	if c.CacheMaxIdle <= 0 {
		c.CacheMaxIdle = 2 * time.Hour
	}
	if c.ActivityEval == "" {
		c.ActivityEval = "@every 30s"
	}
	if c.PruneDeliveries == "" {
		c.PruneDeliveries = "@every 1h"
	}
	if c.DeliveryKeep <= 0 {
		c.DeliveryKeep = 7 * 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	return c
}

// JobStatus is the last outcome of one job.
type JobStatus struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Runs     uint64        `json:"runs"`
	LastRun  time.Time     `json:"last_run,omitempty"`
	LastTook time.Duration `json:"last_took"`
	LastErr  string        `json:"last_error,omitempty"`
	Next     time.Time     `json:"next,omitempty"`
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
	entry    cron.EntryID
	status   JobStatus
}

type Janitor struct {
	log   logx.Logger
	pipe  Pipeline
	store storage.Store
	now   func() time.Time

	mu   sync.Mutex
	cfg  Config
	c    *cron.Cron
	ctx  context.Context
	jobs map[string]*job
}

func New(cfg Config, pipe Pipeline, store storage.Store, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{
		log:   log.With(logx.String("comp", "janitor")),
		pipe:  pipe,
		store: store,
		now:   time.Now,
		cfg:   cfg.withDefaults(),
	}
}

func (j *Janitor) location() *time.Location {
	if j.cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(j.cfg.Timezone)
	if err != nil {
		j.log.Warn("invalid timezone; using local", logx.String("tz", j.cfg.Timezone), logx.Err(err))
		return time.Local
	}
	return loc
}

// buildLocked creates the job table for the current config.
func (j *Janitor) buildLocked() map[string]*job {
	cfg := j.cfg
	jobs := map[string]*job{
		"cache.sweep": {schedule: cfg.CacheSweep, run: func(context.Context) error {
			n := j.pipe.CleanupExpiredCache(int(cfg.CacheMaxIdle / time.Minute))
			if n > 0 {
				j.log.Debug("cache sweep", logx.Int("removed", n))
			}
			return nil
		}},
		"activity.evaluate": {schedule: cfg.ActivityEval, run: func(context.Context) error {
			sum := j.pipe.Evaluate(j.now())
			j.log.Trace("activity evaluated", logx.Int("active", sum.Active), logx.Int("inactive", sum.Inactive))
			return nil
		}},
	}
	if j.store != nil {
		jobs["deliveries.prune"] = &job{schedule: cfg.PruneDeliveries, run: func(ctx context.Context) error {
			n, err := j.store.PruneDeliveries(ctx, j.now().Add(-cfg.DeliveryKeep))
			if err != nil && !errors.Is(err, storage.ErrDisabled) {
				return err
			}
			if n > 0 {
				j.log.Info("delivery log pruned", logx.Int64("rows", n))
			}
			return nil
		}}
	}
	for name, jb := range jobs {
		jb.name = name
		jb.status = JobStatus{Name: name, Schedule: jb.schedule}
	}
	return jobs
}

// Start registers every job and starts the cron runner. Invalid schedules
// are reported and their job is skipped.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	j.ctx = ctx
	j.jobs = j.buildLocked()
	j.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(j.location()),
		cron.WithChain(cron.Recover(cronLogger{j.log}), cron.SkipIfStillRunning(cronLogger{j.log})),
	)
	var errs []error
	for _, name := range sortedNames(j.jobs) {
		jb := j.jobs[name]
		spec, err := ParseSchedule(jb.schedule)
		if err == nil {
			var sched cron.Schedule
			if sched, err = spec.Schedule(); err == nil {
				jb.entry = j.c.Schedule(sched, cron.FuncJob(func() { j.runJob(jb) }))
				continue
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		delete(j.jobs, name)
	}
	j.c.Start()
	j.log.Info("janitor started", logx.Int("jobs", len(j.jobs)))
	return errors.Join(errs...)
}

// Stop halts the runner and waits for running jobs or ctx.
func (j *Janitor) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		j.log.Warn("janitor stop timed out")
	}
}

// Apply replaces the schedules. A running janitor is restarted.
func (j *Janitor) Apply(ctx context.Context, cfg Config) error {
	j.mu.Lock()
	j.cfg = cfg.withDefaults()
	running := j.c != nil
	j.mu.Unlock()
	if !running {
		return nil
	}
	j.Stop(ctx)
	return j.Start(j.context())
}

func (j *Janitor) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

// RunNow runs the named job immediately.
func (j *Janitor) RunNow(name string) error {
	j.mu.Lock()
	jb := j.jobs[name]
	if jb == nil && j.c == nil {
		jb = j.buildLocked()[name]
	}
	j.mu.Unlock()
	if jb == nil {
		return fmt.Errorf("unknown job %q", name)
	}
	return j.runJob(jb)
}

func (j *Janitor) runJob(jb *job) error {
	j.mu.Lock()
	timeout := j.cfg.JobTimeout
	parent := j.ctx
	j.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := j.now()
	err := jb.run(ctx)
	took := j.now().Sub(start)

	j.mu.Lock()
	jb.status.Runs++
	jb.status.LastRun = start
	jb.status.LastTook = took
	jb.status.LastErr = ""
	if err != nil {
		jb.status.LastErr = err.Error()
	}
	j.mu.Unlock()
	if err != nil {
		j.log.Warn("housekeeping job failed", logx.String("job", jb.name), logx.Err(err))
	}
	return err
}

// Status lists jobs with their next run time.
func (j *Janitor) Status() []JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]JobStatus, 0, len(j.jobs))
	for _, name := range sortedNames(j.jobs) {
		jb := j.jobs[name]
		st := jb.status
		if j.c != nil {
			st.Next = j.c.Entry(jb.entry).Next
		}
		out = append(out, st)
	}
	return out
}

func sortedNames(m map[string]*job) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
