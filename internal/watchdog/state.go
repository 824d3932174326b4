package watchdog

import (
	"time"

	"github.com/neboloop/keeper/internal/probe"
)

// Snapshot is the read-only view of the session state served by the
// status API. Snapshots are immutable once published; readers never
// see a partially updated one.
type Snapshot struct {
	Running             bool      `json:"running"`
	StartedAt           time.Time `json:"started_at"`
	LastCheck           time.Time `json:"last_check"`
	Connected           bool      `json:"connected"`
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalChecks         int64     `json:"total_checks"`
	TotalSuccesses      int64     `json:"total_successes"`
	SuccessRate         float64   `json:"success_rate"`
	UptimeSeconds       int64     `json:"uptime_seconds"`

	LastRecovery *RecoverySummary `json:"last_recovery,omitempty"`
	Rotation     *RotationInfo    `json:"rotation,omitempty"`
}

// RecoverySummary describes the most recent recovery invocation.
type RecoverySummary struct {
	InvocationID string        `json:"invocation_id"`
	State        RecoveryState `json:"state"`
	Attempts     int           `json:"attempts"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
}

// RotationInfo describes browser session rotation progress.
type RotationInfo struct {
	LastRotatedAt time.Time `json:"last_rotated_at,omitempty"`
	NextRotation  time.Time `json:"next_rotation,omitempty"`
	Count         int       `json:"count"`
}

// sessionState is the loop's working state. Only the loop goroutine
// (or Start/Stop while the loop is provably not running) touches it;
// everyone else reads published Snapshots.
type sessionState struct {
	startedAt           time.Time
	lastCheck           time.Time
	connected           bool
	status              probe.Status
	consecutiveFailures int
	totalChecks         int64
	totalSuccesses      int64

	lastRecovery  *RecoverySummary
	lastRotatedAt time.Time
	rotationCount int
}

// observe folds one loop-tick check result into the state. Counters
// only move here: consecutive_failures is exactly the number of failed
// checks since the last successful one, and total_checks never falls
// behind total_successes.
func (s *sessionState) observe(res probe.Result) {
	s.lastCheck = res.CheckedAt
	s.status = res.Status
	s.totalChecks++

	if res.OK {
		s.totalSuccesses++
		s.consecutiveFailures = 0
		s.connected = true
		return
	}
	s.consecutiveFailures++
	s.connected = false
}

// repair marks the session healthy after a successful recovery.
// Recovery verification is a successful check in the plain sense, so
// the failure streak resets, but tick counters stay untouched.
func (s *sessionState) repair(at time.Time, status probe.Status) {
	s.lastCheck = at
	s.status = status
	s.connected = true
	s.consecutiveFailures = 0
}

func (s *sessionState) successRate() float64 {
	if s.totalChecks == 0 {
		return 1.0
	}
	return float64(s.totalSuccesses) / float64(s.totalChecks)
}

// snapshot builds an immutable copy for publication.
func (s *sessionState) snapshot(running bool, rotationInterval time.Duration) *Snapshot {
	snap := &Snapshot{
		Running:             running,
		StartedAt:           s.startedAt,
		LastCheck:           s.lastCheck,
		Connected:           s.connected,
		Status:              string(s.status),
		ConsecutiveFailures: s.consecutiveFailures,
		TotalChecks:         s.totalChecks,
		TotalSuccesses:      s.totalSuccesses,
		SuccessRate:         s.successRate(),
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
	}

	if s.lastRecovery != nil {
		cp := *s.lastRecovery
		snap.LastRecovery = &cp
	}

	if rotationInterval > 0 || s.rotationCount > 0 {
		info := &RotationInfo{
			LastRotatedAt: s.lastRotatedAt,
			Count:         s.rotationCount,
		}
		if rotationInterval > 0 {
			base := s.lastRotatedAt
			if base.IsZero() {
				base = s.startedAt
			}
			info.NextRotation = base.Add(rotationInterval)
		}
		snap.Rotation = info
	}

	return snap
}
