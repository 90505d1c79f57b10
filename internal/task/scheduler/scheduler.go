// Package scheduler fires recurring jobs (account checks, session sweeps,
// publish pruning) on cron, interval or one-shot schedules.
//
// It only triggers: every firing is enqueued on the task engine, which runs
// it with the engine's timeout, panic recovery and overlap policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"geopub/internal/task/engine"
	logx "geopub/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

// Enqueuer accepts triggered jobs. *engine.Service implements it.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	Enabled  bool
	Timezone string // IANA name, empty means Local
}

// Job is a registered schedule.
type Job struct {
	ID       string
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type JobInfo struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Spec      string        `json:"spec"`
	Timeout   time.Duration `json:"timeout"`
	Next      *time.Time    `json:"next,omitempty"`
	Prev      *time.Time    `json:"prev,omitempty"`
	Runs      uint64        `json:"runs"`
	LastError string        `json:"last_error,omitempty"`
}

type jobDef struct {
	Job
	spec    ParsedSpec
	entryID cron.EntryID
	state   *engine.RunState

	runs    atomic.Uint64
	errMu   sync.Mutex
	lastErr string
}

func (d *jobDef) record(err error) {
	d.runs.Add(1)
	d.errMu.Lock()
	d.lastErr = ""
	if err != nil {
		d.lastErr = err.Error()
	}
	d.errMu.Unlock()
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	log    logx.Logger
	eng    Enqueuer
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	jobs   []*jobDef

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		eng: eng,
		// SecondOptional accepts both 5- and 6-field specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Add registers or replaces the job with the same ID. Jobs added while the
// scheduler runs are live immediately.
func (s *Service) Add(j Job) error {
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		return errors.New("scheduler: job id required")
	}
	if j.Run == nil {
		return fmt.Errorf("scheduler: job %s has no Run", j.ID)
	}
	if j.Name == "" {
		j.Name = j.ID
	}
	ps, err := ParseSchedule(j.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", j.ID, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", j.ID, err)
		}
	}

	d := &jobDef{Job: j, spec: ps, state: &engine.RunState{}}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(j.ID)
	s.jobs = append(s.jobs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return err
		}
	}
	s.log.Debug("job registered", logx.Job(j.ID), logx.String("spec", ps.String()), logx.Duration("timeout", j.Timeout))
	return nil
}

func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Service) removeLocked(id string) bool {
	kept := s.jobs[:0]
	removed := false
	for _, d := range s.jobs {
		if d.ID != id {
			kept = append(kept, d)
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		removed = true
	}
	s.jobs = kept
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	job := cron.FuncJob(func() { s.fire(d) })
	switch d.spec.Kind {
	case SpecInterval:
		d.entryID = s.c.Schedule(intervalSchedule(d.spec.Every, time.Now().In(s.loc), d.ID), job)
	case SpecOnce:
		d.entryID = s.c.Schedule(onceSchedule{at: d.spec.At}, job)
	default:
		id, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			return fmt.Errorf("scheduler: job %s: %w", d.ID, err)
		}
		d.entryID = id
	}
	return nil
}

func (s *Service) fire(d *jobDef) {
	err := s.eng.Enqueue(engine.Task{
		Name:    "job." + d.ID,
		Timeout: d.Timeout,
		State:   d.state,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning, RetryMax: -1},
		Run: func(ctx context.Context) error {
			err := d.Run(ctx)
			d.record(err)
			return err
		},
	})
	if err != nil {
		s.reportEnqueueError(d.ID, err)
	}
}

// reportEnqueueError logs refused triggers at most once per throttle window
// per job. Overlap skips are routine.
func (s *Service) reportEnqueueError(id string, err error) {
	if errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Debug("job trigger skipped, previous run still active", logx.Job(id))
		return
	}
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[id]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[id] = now
	s.warnMu.Unlock()
	s.log.Warn("job trigger not enqueued", logx.Job(id), logx.Err(err))
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start begins triggering. It does nothing when the scheduler is disabled
// or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.startLocked()
}

// StartManual begins triggering even when the config disables it.
func (s *Service) StartManual(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.startLocked()
	}
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.jobs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job register failed", logx.Job(d.ID), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Stop halts triggering. Runs already on the engine are left alone.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.jobs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Apply swaps the config. A timezone change restarts cron so schedules are
// recomputed; toggling Enabled starts or stops it.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case !running && cfg.Enabled:
		s.Start(ctx)
	case running && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Jobs lists registered jobs in registration order. Next and Prev are only
// known while running.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, d := range s.jobs {
		info := JobInfo{
			ID:      d.ID,
			Name:    d.Name,
			Kind:    d.spec.Kind.String(),
			Spec:    d.spec.String(),
			Timeout: d.Timeout,
			Runs:    d.runs.Load(),
		}
		d.errMu.Lock()
		info.LastError = d.lastErr
		d.errMu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			if !e.Next.IsZero() {
				next := e.Next
				info.Next = &next
			}
			if !e.Prev.IsZero() {
				prev := e.Prev
				info.Prev = &prev
			}
		}
		out = append(out, info)
	}
	return out
}
