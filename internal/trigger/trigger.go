// Package trigger runs named recurring rules on a cron schedule. Rules are
// registered once at startup and switched on and off by name; the enabled
// flag is persisted so a restarted daemon re-arms what was armed before.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stagegate/stagegate/internal/domain"
	"github.com/stagegate/stagegate/internal/platform/metrics"
)

// Trigger is the capability stage components use to arm and disarm their
// follow-up work. Both calls are idempotent.
type Trigger interface {
	Enable(ctx context.Context, name string) error
	Disable(ctx context.Context, name string) error
}

type Rule struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuleStore persists rule state.
type RuleStore interface {
	// Upsert records the schedule for name and returns the persisted enabled flag.
	Upsert(ctx context.Context, name, schedule string) (bool, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	List(ctx context.Context) ([]Rule, error)
}

// Func is the work a rule performs on every fire.
type Func func(ctx context.Context) error

type entry struct {
	schedule cron.Schedule
	spec     string
	fn       Func
	id       cron.EntryID
	armed    bool
}

type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	store   RuleStore
	logger  *slog.Logger
	metrics *metrics.Registry
	entries map[string]*entry

	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewScheduler(store RuleStore, logger *slog.Logger, reg *metrics.Registry) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		logger:  logger.With("component", "trigger"),
		metrics: reg,
		entries: map[string]*entry{},
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// ParseSchedule accepts standard five-field cron specs and descriptors such
// as "@every 1m".
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("schedule is required: %w", domain.ErrConfiguration)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %v: %w", spec, err, domain.ErrConfiguration)
	}
	return sched, nil
}

// Register declares a rule. When the stored state says the rule was enabled
// it is armed immediately.
func (s *Scheduler) Register(ctx context.Context, name, spec string, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("trigger name is required: %w", domain.ErrConfiguration)
	}
	if fn == nil {
		return fmt.Errorf("trigger %s: func is required: %w", name, domain.ErrConfiguration)
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}
	enabled, err := s.store.Upsert(ctx, name, strings.TrimSpace(spec))
	if err != nil {
		return fmt.Errorf("persist trigger %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.entries[name]; ok && prev.armed {
		s.cron.Remove(prev.id)
	}
	e := &entry{schedule: sched, spec: strings.TrimSpace(spec), fn: fn}
	s.entries[name] = e
	if enabled {
		s.arm(name, e)
		s.logger.Info("trigger restored", "trigger", name, "schedule", e.spec)
	}
	return nil
}

func (s *Scheduler) Enable(ctx context.Context, name string) error {
	return s.set(ctx, name, true)
}

func (s *Scheduler) Disable(ctx context.Context, name string) error {
	return s.set(ctx, name, false)
}

func (s *Scheduler) set(ctx context.Context, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, domain.ErrNotFound)
	}
	if err := s.store.SetEnabled(ctx, name, enabled); err != nil {
		return fmt.Errorf("persist trigger %s: %w", name, err)
	}
	switch {
	case enabled && !e.armed:
		s.arm(name, e)
		s.logger.Info("trigger enabled", "trigger", name)
	case !enabled && e.armed:
		s.cron.Remove(e.id)
		e.armed = false
		e.id = 0
		s.logger.Info("trigger disabled", "trigger", name)
	}
	return nil
}

func (s *Scheduler) arm(name string, e *entry) {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		s.fire(name, e.fn)
	}))
	e.id = s.cron.Schedule(e.schedule, job)
	e.armed = true
}

// Fire runs the rule once, outside its schedule.
func (s *Scheduler) Fire(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", name, domain.ErrNotFound)
	}
	return s.run(ctx, name, e.fn)
}

func (s *Scheduler) fire(name string, fn Func) {
	if err := s.run(s.baseCtx, name, fn); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Warn("trigger run failed", "trigger", name, "error", err)
	}
}

func (s *Scheduler) run(ctx context.Context, name string, fn Func) (err error) {
	s.metrics.TriggerFired(name)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("trigger %s panicked: %v", name, rec)
		}
	}()
	return fn(ctx)
}

// Armed reports whether name is currently scheduled in this process.
func (s *Scheduler) Armed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	return ok && e.armed
}

// Rules returns the persisted rule states.
func (s *Scheduler) Rules(ctx context.Context) ([]Rule, error) {
	rules, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
