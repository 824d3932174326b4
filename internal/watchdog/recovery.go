package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/probe"
)

// RecoveryState tracks one recovery invocation:
// idle → attempting → success | failed. Failed is terminal for the
// invocation; the loop tries again on its next tick regardless.
type RecoveryState string

const (
	RecoveryIdle       RecoveryState = "idle"
	RecoveryAttempting RecoveryState = "attempting"
	RecoverySuccess    RecoveryState = "success"
	RecoveryFailed     RecoveryState = "failed"
)

// AttemptOutcome is the result of a single reconnect attempt.
type AttemptOutcome string

const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// Attempt is the record of one reconnect attempt. It is logged,
// recorded, emitted, and then dropped; nothing in memory keeps it.
type Attempt struct {
	InvocationID string         `json:"invocation_id"`
	Number       int            `json:"attempt_number"`
	StartedAt    time.Time      `json:"started_at"`
	Outcome      AttemptOutcome `json:"outcome"`
	Detail       string         `json:"detail,omitempty"`
}

// ExhaustedError reports a recovery invocation that used up its retry
// budget. It is surfaced through the snapshot and the event bus, never
// by terminating anything.
type ExhaustedError struct {
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("recovery exhausted after %d attempts", e.Attempts)
}

// recoverSession runs the bounded-retry recovery procedure. It returns
// nil when some attempt reconnected the session, ErrHalted when the
// loop is shutting down mid-recovery, or an ExhaustedError.
func (k *Keeper) recoverSession(ctx context.Context, stop chan struct{}) error {
	maxRetries, delay := k.retryPolicy()
	invocationID := uuid.NewString()

	logging.Warnf("Session down, starting recovery %s (max %d attempts)", invocationID, maxRetries)

	for n := 1; n <= maxRetries; n++ {
		if n > 1 {
			select {
			case <-ctx.Done():
				return ErrHalted
			case <-stop:
				return ErrHalted
			case <-time.After(delay):
			}
		}

		att := Attempt{
			InvocationID: invocationID,
			Number:       n,
			StartedAt:    time.Now().UTC(),
		}
		k.setRecoveryProgress(invocationID, n)

		status, err := k.attemptReconnect(ctx)
		att.Outcome, att.Detail = classifyAttempt(status, err)

		logging.Infof("Recovery %s attempt %d/%d: %s %s", invocationID, n, maxRetries, att.Outcome, att.Detail)
		k.recordAttempt(att)
		events.Emit(k.bus, events.TopicRecovery, RecoveryEvent{
			InvocationID: invocationID,
			State:        RecoveryAttempting,
			Attempt:      &att,
			Attempts:     n,
			At:           time.Now().UTC(),
		})

		if att.Outcome == OutcomeSuccess {
			k.finishRecovery(ctx, invocationID, RecoverySuccess, n, status)
			return nil
		}
	}

	k.finishRecovery(ctx, invocationID, RecoveryFailed, maxRetries, "")
	return &ExhaustedError{Attempts: maxRetries}
}

// attemptReconnect performs one reconnect gesture and verifies it with
// a fresh check. Both must succeed. Panics inside the prober are
// contained here like everywhere else.
func (k *Keeper) attemptReconnect(ctx context.Context) (status probe.Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = ""
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()

	if err := k.prober.Reconnect(ctx); err != nil {
		if !errors.Is(err, probe.ErrSessionClosed) {
			return "", err
		}
		// The whole session is gone, not just the runtime. Clicking
		// cannot bring it back, reopening can.
		if err := k.prober.Open(ctx); err != nil {
			return "", err
		}
	}

	res, err := k.prober.Check(ctx)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func classifyAttempt(status probe.Status, err error) (AttemptOutcome, string) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return OutcomeTimeout, err.Error()
		}
		return OutcomeFailure, err.Error()
	}
	if status.Healthy() {
		return OutcomeSuccess, ""
	}
	return OutcomeFailure, "still " + string(status)
}

// setRecoveryProgress publishes an in-progress recovery summary so
// status readers can see the attempt counter move.
func (k *Keeper) setRecoveryProgress(invocationID string, attempt int) {
	k.state.lastRecovery = &RecoverySummary{
		InvocationID: invocationID,
		State:        RecoveryAttempting,
		Attempts:     attempt,
	}
	k.publish()
}

func (k *Keeper) finishRecovery(ctx context.Context, invocationID string, state RecoveryState, attempts int, status probe.Status) {
	now := time.Now().UTC()
	k.state.lastRecovery = &RecoverySummary{
		InvocationID: invocationID,
		State:        state,
		Attempts:     attempts,
		FinishedAt:   now,
	}

	if state == RecoverySuccess {
		k.state.repair(now, status)
		logging.Infof("Recovery %s succeeded after %d attempt(s)", invocationID, attempts)
		if k.runCellsAfterRecovery() {
			if err := k.safeRunAllCells(ctx); err != nil {
				logging.Warnf("Post-recovery cell run failed: %v", err)
			}
		}
	} else {
		logging.Errorf("Recovery %s exhausted after %d attempts", invocationID, attempts)
	}

	k.publish()
	events.Emit(k.bus, events.TopicRecovery, RecoveryEvent{
		InvocationID: invocationID,
		State:        state,
		Attempts:     attempts,
		At:           now,
	})
}
