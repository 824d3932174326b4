package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/probe"
)

func seedFailure(k *Keeper) {
	k.state.observe(probe.Result{
		Status:    probe.StatusDisconnected,
		CheckedAt: time.Now().UTC(),
	})
	k.publish()
}

func TestRecoveryStopsEarlyOnSuccess(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeProber{statuses: []probe.Status{probe.StatusDisconnected, probe.StatusConnected}}
	cfg := quietConfig()
	cfg.MaxRetries = 5
	cfg.Recorder = rec

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	if err := k.recoverSession(context.Background(), make(chan struct{})); err != nil {
		t.Fatalf("recoverSession: %v", err)
	}

	_, reconnects, _, _, _, _ := fake.counts()
	if reconnects != 2 {
		t.Fatalf("reconnect attempts = %d, want 2 (early stop)", reconnects)
	}
	if nums := rec.attemptNumbers(); len(nums) != 2 || nums[0] != 1 || nums[1] != 2 {
		t.Fatalf("recorded attempt numbers = %v, want [1 2]", nums)
	}

	snap := k.Snapshot()
	if !snap.Connected {
		t.Fatal("session should be connected after recovery")
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0 after recovery", snap.ConsecutiveFailures)
	}
	if snap.LastRecovery == nil || snap.LastRecovery.State != RecoverySuccess || snap.LastRecovery.Attempts != 2 {
		t.Fatalf("last_recovery = %+v, want success after 2 attempts", snap.LastRecovery)
	}
	// Recovery verification is not a loop tick; counters stay put.
	if snap.TotalChecks != 1 || snap.TotalSuccesses != 0 {
		t.Fatalf("counters moved during recovery: checks=%d successes=%d", snap.TotalChecks, snap.TotalSuccesses)
	}
}

func TestRecoveryExhaustsAfterMaxRetries(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeProber{statuses: []probe.Status{probe.StatusDisconnected}}
	cfg := quietConfig()
	cfg.MaxRetries = 3
	cfg.Recorder = rec

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	err := k.recoverSession(context.Background(), make(chan struct{}))
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("recoverSession error = %v, want ExhaustedError", err)
	}
	if exhausted.Attempts != 3 {
		t.Fatalf("exhausted after %d attempts, want 3", exhausted.Attempts)
	}

	_, reconnects, _, _, _, _ := fake.counts()
	if reconnects != 3 {
		t.Fatalf("reconnect attempts = %d, want exactly 3", reconnects)
	}
	if nums := rec.attemptNumbers(); len(nums) != 3 {
		t.Fatalf("recorded attempts = %v, want 3 records", nums)
	}

	snap := k.Snapshot()
	if snap.Connected {
		t.Fatal("session should stay disconnected after exhaustion")
	}
	if snap.LastRecovery == nil || snap.LastRecovery.State != RecoveryFailed {
		t.Fatalf("last_recovery = %+v, want failed", snap.LastRecovery)
	}
}

func TestRecoveryReopensClosedSession(t *testing.T) {
	fake := &fakeProber{
		statuses:      []probe.Status{probe.StatusConnected},
		reconnectErrs: []error{fmt.Errorf("click reconnect: %w", probe.ErrSessionClosed)},
	}
	cfg := quietConfig()
	cfg.MaxRetries = 3

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	if err := k.recoverSession(context.Background(), make(chan struct{})); err != nil {
		t.Fatalf("recoverSession: %v", err)
	}

	_, reconnects, opens, _, _, _ := fake.counts()
	if reconnects != 1 || opens != 1 {
		t.Fatalf("reconnects=%d opens=%d, want 1 and 1 (reopen path)", reconnects, opens)
	}
	if !k.Snapshot().Connected {
		t.Fatal("session should be connected after reopen")
	}
}

func TestRecoveryHaltedByStop(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeProber{reconnectErrs: []error{errors.New("still down")}}
	cfg := quietConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = time.Hour
	cfg.Recorder = rec

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	stop := make(chan struct{})
	close(stop)

	// The first attempt runs without a delay; the pre-second-attempt
	// wait sees the closed stop channel and bails.
	err := k.recoverSession(context.Background(), stop)
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("recoverSession = %v, want ErrHalted", err)
	}
	if nums := rec.attemptNumbers(); len(nums) != 1 {
		t.Fatalf("recorded attempts = %v, want just the first", nums)
	}
}

func TestRecoveryRunsCellsAfterSuccess(t *testing.T) {
	fake := &fakeProber{statuses: []probe.Status{probe.StatusConnected}}
	cfg := quietConfig()
	cfg.RunCellsAfterRecovery = true

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	if err := k.recoverSession(context.Background(), make(chan struct{})); err != nil {
		t.Fatalf("recoverSession: %v", err)
	}

	_, _, _, _, runs, _ := fake.counts()
	if runs != 1 {
		t.Fatalf("RunAllCells calls = %d, want 1", runs)
	}
}

func TestRecoverySurvivesCellRunPanic(t *testing.T) {
	fake := &fakeProber{
		statuses:        []probe.Status{probe.StatusConnected},
		panicOnRunCells: true,
	}
	cfg := quietConfig()
	cfg.RunCellsAfterRecovery = true

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	if err := k.recoverSession(context.Background(), make(chan struct{})); err != nil {
		t.Fatalf("recoverSession: %v", err)
	}

	_, _, _, _, runs, _ := fake.counts()
	if runs != 1 {
		t.Fatalf("RunAllCells calls = %d, want 1", runs)
	}
	snap := k.Snapshot()
	if !snap.Connected {
		t.Fatal("cell-run panic must not undo the recovery")
	}
	if snap.LastRecovery == nil || snap.LastRecovery.State != RecoverySuccess {
		t.Fatalf("last_recovery = %+v, want success", snap.LastRecovery)
	}
}

func TestRecoveryEmitsTerminalEvent(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	var mu sync.Mutex
	var terminal []RecoveryEvent
	events.Subscribe(bus, events.TopicRecovery, func(_ context.Context, ev RecoveryEvent) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.Attempt == nil {
			terminal = append(terminal, ev)
		}
		return nil
	})

	fake := &fakeProber{statuses: []probe.Status{probe.StatusConnected}}
	cfg := quietConfig()
	cfg.Bus = bus

	k := NewKeeper(cfg, fake)
	seedFailure(k)

	if err := k.recoverSession(context.Background(), make(chan struct{})); err != nil {
		t.Fatalf("recoverSession: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(terminal) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if terminal[0].State != RecoverySuccess {
		t.Fatalf("terminal event state = %s, want success", terminal[0].State)
	}
	if terminal[0].InvocationID == "" {
		t.Fatal("terminal event should carry the invocation id")
	}
}

func TestClassifyAttempt(t *testing.T) {
	cases := []struct {
		name   string
		status probe.Status
		err    error
		want   AttemptOutcome
	}{
		{"healthy status", probe.StatusConnected, nil, OutcomeSuccess},
		{"idle counts as success", probe.StatusIdle, nil, OutcomeSuccess},
		{"still down", probe.StatusDisconnected, nil, OutcomeFailure},
		{"plain error", "", errors.New("boom"), OutcomeFailure},
		{"deadline", "", fmt.Errorf("check: %w", context.DeadlineExceeded), OutcomeTimeout},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := classifyAttempt(tc.status, tc.err)
			if got != tc.want {
				t.Fatalf("classifyAttempt(%q, %v) = %s, want %s", tc.status, tc.err, got, tc.want)
			}
		})
	}
}
