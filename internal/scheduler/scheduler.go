// Package scheduler triggers backup runs from cron expressions persisted in
// the state store. It is a thin host around the orchestrator: the schedule
// says when, the run function says how.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/takemura/backhaul/internal/errors"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/store"
)

// RunFunc executes one backup run for the named schedule.
type RunFunc func(ctx context.Context, name string)

// Entry is a registered schedule with its next firing time.
type Entry struct {
	Name    string
	Spec    string
	Active  bool
	NextRun time.Time
}

type Scheduler struct {
	cron  *cron.Cron
	store *store.Store
	run   RunFunc
	log   *logger.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
	specs   map[string]string
	started bool
}

func New(st *store.Store, run RunFunc, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		cron:    cron.New(),
		store:   st,
		run:     run,
		log:     log,
		entries: make(map[string]cron.EntryID),
		specs:   make(map[string]string),
	}
}

// normalizeSpec accepts standard cron expressions, @-descriptors, and bare
// durations like "12h" (converted to @every).
func normalizeSpec(spec string) string {
	if !strings.HasPrefix(spec, "@") && strings.Count(spec, " ") < 4 {
		if _, err := time.ParseDuration(spec); err == nil {
			return "@every " + spec
		}
	}
	return spec
}

// ValidateSpec reports whether the cron parser accepts the expression.
func ValidateSpec(spec string) error {
	_, err := cron.ParseStandard(normalizeSpec(spec))
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeValidation, "invalid schedule expression",
			"Use standard cron syntax, an @-descriptor like @daily, or a duration like 12h.")
	}
	return nil
}

// Start loads active schedules from the store and begins firing them.
func (s *Scheduler) Start(ctx context.Context) error {
	schedules, err := s.store.ListSchedules(true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range schedules {
		sc := schedules[i]
		if err := s.registerLocked(ctx, sc.Name, sc.CronExpr); err != nil {
			s.log.Warn("skipping schedule with invalid expression", "name", sc.Name, "spec", sc.CronExpr, "error", err)
		}
	}
	s.cron.Start()
	s.started = true
	s.log.Info("scheduler started", "schedules", len(s.entries))
	return nil
}

// Stop halts firing and waits for in-flight runs started by the cron to
// return from their RunFunc.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

// Add persists the schedule and, when the scheduler is running and the
// schedule is active, registers it immediately.
func (s *Scheduler) Add(ctx context.Context, name, spec string, active bool) error {
	if name == "" {
		return apperrors.New(apperrors.TypeValidation, "schedule name is required", "")
	}
	if err := ValidateSpec(spec); err != nil {
		return err
	}
	if err := s.store.SaveSchedule(&store.Schedule{Name: name, CronExpr: spec, Active: active}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(name)
	if active && s.started {
		return s.registerLocked(ctx, name, spec)
	}
	return nil
}

// Remove deletes the schedule from the store and stops firing it.
func (s *Scheduler) Remove(name string) error {
	if err := s.store.DeleteSchedule(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterLocked(name)
	return nil
}

// Entries lists registered schedules with their next firing times.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for name, id := range s.entries {
		e := s.cron.Entry(id)
		out = append(out, Entry{Name: name, Spec: s.specs[name], Active: true, NextRun: e.Next})
	}
	return out
}

func (s *Scheduler) registerLocked(ctx context.Context, name, spec string) error {
	id, err := s.cron.AddFunc(normalizeSpec(spec), func() {
		s.log.Info("schedule fired", "name", name)
		s.run(ctx, name)
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeValidation, "invalid schedule expression", "")
	}
	s.entries[name] = id
	s.specs[name] = spec
	return nil
}

func (s *Scheduler) unregisterLocked(name string) {
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
		delete(s.specs, name)
	}
}
