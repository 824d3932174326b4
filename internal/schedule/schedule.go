// Package schedule runs the keeper's time-based jobs: proactive session
// rotation ahead of Colab's ~12h runtime cap, and the daily summary
// report.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/neboloop/keeper/internal/history"
	"github.com/neboloop/keeper/internal/logging"
)

// Scheduler wraps a cron runner with named, replaceable jobs.
type Scheduler struct {
	cron *cronlib.Cron

	mu   sync.RWMutex
	jobs map[string]cronlib.EntryID
}

// New creates a stopped scheduler. Call Start after registering jobs.
func New() *Scheduler {
	return &Scheduler{
		cron: cronlib.New(cronlib.WithSeconds()),
		jobs: make(map[string]cronlib.EntryID),
	}
}

// Add registers a named job, replacing any existing job with the same
// name. spec accepts cron expressions (with seconds) and @every
// descriptors.
func (s *Scheduler) Add(name, spec string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}

	id, err := s.cron.AddFunc(spec, fn)
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.jobs[name] = id
	return nil
}

// Remove drops a named job if present.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Next returns the next fire time of a named job. The zero time means
// the job is unknown or the scheduler has not started.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.RLock()
	id, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. Running jobs finish on their own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Rotator is the loop surface the rotation job drives.
type Rotator interface {
	RequestRotate() error
}

// AddRotation schedules a proactive session rotation every interval.
func (s *Scheduler) AddRotation(interval time.Duration, r Rotator) error {
	return s.Add("rotation", "@every "+interval.String(), rotationJob(r))
}

func rotationJob(r Rotator) func() {
	return func() {
		if err := r.RequestRotate(); err != nil {
			// The loop is halted or mid-action; the next scheduled
			// rotation will land.
			logging.Warnf("schedule: rotation request not accepted: %v", err)
		}
	}
}

// StatsSource provides the numbers behind the daily summary.
type StatsSource interface {
	StatsSince(ctx context.Context, since time.Time) (history.Stats, error)
}

// AddDailySummary schedules the 08:00 report over the last 24h of
// history. announce receives the formatted title and body.
func (s *Scheduler) AddDailySummary(src StatsSource, announce func(title, body string)) error {
	return s.Add("daily-summary", "0 0 8 * * *", summaryJob(src, announce))
}

func summaryJob(src StatsSource, announce func(title, body string)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		stats, err := src.StatsSince(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			logging.Warnf("schedule: daily summary stats: %v", err)
			return
		}
		announce("Keeper daily report", formatSummary(stats))
	}
}

func formatSummary(st history.Stats) string {
	rate := 100.0
	if st.Checks > 0 {
		rate = float64(st.Checks-st.Failures) / float64(st.Checks) * 100
	}
	return fmt.Sprintf(
		"Last 24h: %d checks, %.1f%% connected, %d failures, %d recovery attempts (%d reconnects).",
		st.Checks, rate, st.Failures, st.RecoveryAttempts, st.Reconnects,
	)
}
