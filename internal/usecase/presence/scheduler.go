// Package presence rotates the session's presence on cron or interval
// schedules.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/robfig/cron/v3"

	"gatewayd/internal/infra/config"
	"gatewayd/internal/infra/logger"
)

const updateTimeout = 30 * time.Second

// StatusSetter applies a presence update.
type StatusSetter interface {
	SetStatus(ctx context.Context, status discordgo.UpdateStatusData) error
}

// Scheduler fires presence updates on their schedules.
type Scheduler struct {
	cron    *cron.Cron
	setter  StatusSetter
	logger  *slog.Logger
	entries map[string]cron.EntryID

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a Scheduler that applies updates through setter.
func NewScheduler(setter StatusSetter, log *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		setter:  setter,
		logger:  logger.OrDiscard(log).With("component", "presence"),
		entries: make(map[string]cron.EntryID),
	}
}

// FromConfig creates a Scheduler with every rotation in cfg registered.
func FromConfig(cfg config.PresenceConfig, setter StatusSetter, log *slog.Logger) (*Scheduler, error) {
	s := NewScheduler(setter, log)
	for i, e := range cfg.Rotations {
		if e.Name == "" {
			e.Name = fmt.Sprintf("rotation-%d", i)
		}
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply sends entry right away.
func (s *Scheduler) Apply(ctx context.Context, entry config.PresenceEntry) error {
	status, err := entry.StatusData()
	if err != nil {
		return fmt.Errorf("presence %q: %w", entry.Name, err)
	}
	return s.setter.SetStatus(ctx, status)
}

// Add registers entry on its schedule. Names must be unique.
func (s *Scheduler) Add(entry config.PresenceEntry) error {
	status, err := entry.StatusData()
	if err != nil {
		return fmt.Errorf("presence %q: %w", entry.Name, err)
	}
	schedule, err := ParseSchedule(entry.Schedule)
	if err != nil {
		return fmt.Errorf("presence %q: invalid schedule %q: %w", entry.Name, entry.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.Name]; exists {
		return fmt.Errorf("presence %q already scheduled", entry.Name)
	}

	name := entry.Name
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}

		ctx, cancel := context.WithTimeout(ctx, updateTimeout)
		defer cancel()
		if err := s.setter.SetStatus(ctx, status); err != nil {
			s.logger.Warn("presence update failed", "name", name, "error", err)
			return
		}
		s.logger.Debug("presence updated", "name", name, "status", status.Status)
	}))
	s.logger.Info("presence scheduled", "name", name, "schedule", entry.Schedule)
	return nil
}

// Remove unregisters the entry called name.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("presence %q not scheduled", name)
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return nil
}

// Next returns the next firing time of the entry called name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := s.cron.Entry(id)
	if e.ID == 0 {
		return time.Time{}, false
	}
	return e.Next, true
}

// Start begins firing updates. It is a no-op when already started.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop halts the scheduler and waits for running updates to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.ctx = nil
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// ParseSchedule accepts a standard five-field cron expression, a
// descriptor such as "@hourly", or a positive duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if sched, err := cron.ParseStandard(schedule); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval; unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
