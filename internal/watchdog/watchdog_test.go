package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/neboloop/keeper/internal/probe"
)

// fakeProber scripts check outcomes and counts calls. Statuses are
// consumed in order by Check (tick checks and recovery verification
// alike); the last one repeats once the script runs out.
type fakeProber struct {
	mu sync.Mutex

	statuses        []probe.Status
	reconnectErrs   []error
	openErr         error
	refreshErr      error
	runCellsErr     error
	panicOnCheck    bool
	panicOnRunCells bool
	panicOnClose    bool
	gate            chan struct{}

	checkCalls     int
	reconnectCalls int
	openCalls      int
	refreshCalls   int
	runCellsCalls  int
	closeCalls     int
}

func (f *fakeProber) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openCalls++
	return f.openErr
}

func (f *fakeProber) Check(ctx context.Context) (probe.Result, error) {
	f.mu.Lock()
	f.checkCalls++
	panicNow := f.panicOnCheck
	gate := f.gate
	var status probe.Status
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	} else {
		status = probe.StatusConnected
	}
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if panicNow {
		panic("scripted check panic")
	}
	return probe.Result{Status: status, CheckedAt: time.Now().UTC()}, nil
}

func (f *fakeProber) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectCalls++
	if len(f.reconnectErrs) == 0 {
		return nil
	}
	err := f.reconnectErrs[0]
	if len(f.reconnectErrs) > 1 {
		f.reconnectErrs = f.reconnectErrs[1:]
	}
	return err
}

func (f *fakeProber) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshErr
}

func (f *fakeProber) RunAllCells(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCellsCalls++
	if f.panicOnRunCells {
		panic("scripted run-all-cells panic")
	}
	return f.runCellsErr
}

func (f *fakeProber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if f.panicOnClose {
		panic("scripted close panic")
	}
	return nil
}

func (f *fakeProber) counts() (checks, reconnects, opens, refreshes, runs, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls, f.reconnectCalls, f.openCalls, f.refreshCalls, f.runCellsCalls, f.closeCalls
}

// captureRecorder remembers everything the loop records.
type captureRecorder struct {
	mu       sync.Mutex
	checks   []probe.Result
	attempts []Attempt
}

func (r *captureRecorder) RecordCheck(res probe.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, res)
}

func (r *captureRecorder) RecordAttempt(att Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, att)
}

func (r *captureRecorder) attemptNumbers() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	nums := make([]int, len(r.attempts))
	for i, a := range r.attempts {
		nums[i] = a.Number
	}
	return nums
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func quietConfig() Config {
	return Config{
		Interval:     time.Hour,
		InitialDelay: time.Hour,
		MaxRetries:   1,
		RetryDelay:   time.Millisecond,
	}
}

func TestStartStopIdempotent(t *testing.T) {
	k := NewKeeper(quietConfig(), &fakeProber{})

	if !k.Start(context.Background()) {
		t.Fatal("first Start returned false")
	}
	if k.Start(context.Background()) {
		t.Fatal("second Start should be a no-op")
	}
	if !k.Running() {
		t.Fatal("keeper should be running")
	}
	if !k.Snapshot().Running {
		t.Fatal("snapshot should report running")
	}

	if !k.Stop() {
		t.Fatal("first Stop returned false")
	}
	if k.Stop() {
		t.Fatal("second Stop should be a no-op")
	}
	if k.Running() {
		t.Fatal("keeper should be stopped")
	}
	if k.Snapshot().Running {
		t.Fatal("snapshot should report stopped")
	}
}

func TestRestartAfterStop(t *testing.T) {
	k := NewKeeper(quietConfig(), &fakeProber{})

	for i := 0; i < 3; i++ {
		if !k.Start(context.Background()) {
			t.Fatalf("Start %d returned false", i)
		}
		if !k.Stop() {
			t.Fatalf("Stop %d returned false", i)
		}
	}
}

func TestFirstCheckRunsImmediately(t *testing.T) {
	fake := &fakeProber{statuses: []probe.Status{probe.StatusConnected}}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })

	snap := k.Snapshot()
	if !snap.Connected {
		t.Fatal("expected connected after successful check")
	}
	if snap.TotalSuccesses != 1 {
		t.Fatalf("total_successes = %d, want 1", snap.TotalSuccesses)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0", snap.ConsecutiveFailures)
	}
}

func TestRequestCheckForcesTick(t *testing.T) {
	fake := &fakeProber{}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })

	if err := k.RequestCheck(); err != nil {
		t.Fatalf("RequestCheck: %v", err)
	}
	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 2 })
}

func TestRequestCheckWhileHalted(t *testing.T) {
	k := NewKeeper(quietConfig(), &fakeProber{})
	if err := k.RequestCheck(); err != ErrNotRunning {
		t.Fatalf("RequestCheck on halted keeper = %v, want ErrNotRunning", err)
	}
	if err := k.RequestRotate(); err != ErrNotRunning {
		t.Fatalf("RequestRotate on halted keeper = %v, want ErrNotRunning", err)
	}
}

func TestRequestCheckBusy(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeProber{gate: gate}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())

	// First tick is parked inside Check on the gate.
	waitFor(t, time.Second, func() bool {
		checks, _, _, _, _, _ := fake.counts()
		return checks == 1
	})

	if err := k.RequestCheck(); err != nil {
		t.Fatalf("first RequestCheck: %v", err)
	}
	if err := k.RequestCheck(); err != ErrBusy {
		t.Fatalf("second RequestCheck = %v, want ErrBusy", err)
	}

	gate <- struct{}{} // release the parked tick
	gate <- struct{}{} // release the kicked tick
	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 2 })
	k.Stop()
}

func TestLoginRequiredSkipsRecovery(t *testing.T) {
	fake := &fakeProber{statuses: []probe.Status{probe.StatusLoginRequired}}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })

	snap := k.Snapshot()
	if snap.Connected {
		t.Fatal("login_required should count as a failed check")
	}
	if snap.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive_failures = %d, want 1", snap.ConsecutiveFailures)
	}
	_, reconnects, _, _, _, _ := fake.counts()
	if reconnects != 0 {
		t.Fatalf("reconnect attempts = %d, want 0 for a sign-in wall", reconnects)
	}
}

func TestIdleTriggersRefresh(t *testing.T) {
	fake := &fakeProber{statuses: []probe.Status{probe.StatusIdle}}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool {
		_, _, _, refreshes, _, _ := fake.counts()
		return refreshes == 1
	})

	snap := k.Snapshot()
	if !snap.Connected {
		t.Fatal("idle counts as a successful check")
	}
	if snap.TotalSuccesses != 1 {
		t.Fatalf("total_successes = %d, want 1", snap.TotalSuccesses)
	}
}

func TestProberPanicContained(t *testing.T) {
	fake := &fakeProber{panicOnCheck: true}
	cfg := quietConfig()
	cfg.InitialDelay = 0
	cfg.MaxRetries = 1

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	// The panic becomes a failed check and a (panicking) recovery
	// attempt; the loop must survive both and stay in charge.
	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })

	if err := k.RequestCheck(); err != nil {
		t.Fatalf("RequestCheck after panic: %v", err)
	}
	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 2 })

	if !k.Running() {
		t.Fatal("loop should still be running after probe panics")
	}
	snap := k.Snapshot()
	if snap.Connected {
		t.Fatal("panicking checks should read as disconnected")
	}
	if snap.ConsecutiveFailures != 2 {
		t.Fatalf("consecutive_failures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestContextCancelHaltsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	k := NewKeeper(quietConfig(), &fakeProber{})
	k.Start(ctx)

	cancel()
	waitFor(t, time.Second, func() bool { return !k.Running() })

	if k.Stop() {
		t.Fatal("Stop after context cancel should be a no-op")
	}
	if !k.Start(context.Background()) {
		t.Fatal("keeper should restart after a context-cancelled run")
	}
	k.Stop()
}

func TestRotateOnRequest(t *testing.T) {
	fake := &fakeProber{}
	cfg := quietConfig()
	cfg.InitialDelay = 0
	cfg.RotationInterval = time.Hour

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })

	if err := k.RequestRotate(); err != nil {
		t.Fatalf("RequestRotate: %v", err)
	}
	// Rotation bumps the counter and verifies itself with a fresh check.
	waitFor(t, time.Second, func() bool {
		snap := k.Snapshot()
		return snap.Rotation != nil && snap.Rotation.Count == 1 && snap.TotalChecks == 2
	})

	_, _, opens, _, _, closes := fake.counts()
	if closes != 1 || opens != 1 {
		t.Fatalf("rotation calls: closes=%d opens=%d, want 1 and 1", closes, opens)
	}
}

func TestRotateSurvivesClosePanic(t *testing.T) {
	fake := &fakeProber{panicOnClose: true}
	k := NewKeeper(quietConfig(), fake)

	k.rotate(context.Background(), make(chan struct{}))

	checks, _, opens, _, _, closes := fake.counts()
	if closes != 1 {
		t.Fatalf("close calls = %d, want 1", closes)
	}
	if opens != 1 {
		t.Fatalf("open calls = %d, want 1 (rotation reopens after a close panic)", opens)
	}
	if checks != 1 {
		t.Fatalf("check calls = %d, want 1 (verification tick)", checks)
	}
	if snap := k.Snapshot(); snap.Rotation == nil || snap.Rotation.Count != 1 {
		t.Fatalf("rotation = %+v, want count 1", k.Snapshot().Rotation)
	}
}

func TestStopDiscardsPendingKick(t *testing.T) {
	gate := make(chan struct{})
	fake := &fakeProber{gate: gate}
	cfg := quietConfig()
	cfg.InitialDelay = 0

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())

	// First tick is parked inside Check on the gate; queue a forced
	// check behind it.
	waitFor(t, time.Second, func() bool {
		checks, _, _, _, _, _ := fake.counts()
		return checks == 1
	})
	if err := k.RequestCheck(); err != nil {
		t.Fatalf("RequestCheck: %v", err)
	}

	stopped := make(chan bool, 1)
	go func() { stopped <- k.Stop() }()
	close(gate) // unpark the tick so the loop can exit

	select {
	case ok := <-stopped:
		if !ok {
			t.Fatal("Stop returned false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if len(k.kicks) != 0 {
		t.Fatal("queued kick survived Stop")
	}

	// A restart runs exactly its own immediate first check; a stale
	// kick would add a second one.
	before, _, _, _, _, _ := fake.counts()
	k.Start(context.Background())
	defer k.Stop()
	waitFor(t, time.Second, func() bool {
		checks, _, _, _, _, _ := fake.counts()
		return checks == before+1
	})
	time.Sleep(50 * time.Millisecond)
	if checks, _, _, _, _, _ := fake.counts(); checks != before+1 {
		t.Fatalf("checks after restart = %d, want %d", checks, before+1)
	}
}

func TestUnhealthyThresholdIsStrict(t *testing.T) {
	cfg := quietConfig()
	cfg.UnhealthyThreshold = 2
	k := NewKeeper(cfg, &fakeProber{})

	k.state.consecutiveFailures = 2
	k.publish()
	if k.Unhealthy() {
		t.Fatal("streak equal to threshold should still be healthy")
	}

	k.state.consecutiveFailures = 3
	k.publish()
	if !k.Unhealthy() {
		t.Fatal("streak above threshold should be unhealthy")
	}
}

func TestApplySettings(t *testing.T) {
	k := NewKeeper(quietConfig(), &fakeProber{})

	k.ApplySettings(Settings{Interval: 42 * time.Second, Adaptive: true})

	k.mu.Lock()
	interval, retries, delay := k.cfg.Interval, k.cfg.MaxRetries, k.cfg.RetryDelay
	adaptive := k.cfg.Adaptive
	k.mu.Unlock()

	if interval != 42*time.Second {
		t.Fatalf("interval = %s, want 42s", interval)
	}
	if !adaptive {
		t.Fatal("adaptive flag should apply")
	}
	// Zero values leave the previous settings alone.
	if retries != 1 || delay != time.Millisecond {
		t.Fatalf("retries=%d delay=%s, want untouched 1 and 1ms", retries, delay)
	}
}

func TestSnapshotConcurrentReads(t *testing.T) {
	fake := &fakeProber{}
	cfg := quietConfig()
	cfg.InitialDelay = 0
	cfg.Interval = time.Millisecond

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	var wg sync.WaitGroup
	errs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var prev int64
			deadline := time.Now().Add(100 * time.Millisecond)
			for time.Now().Before(deadline) {
				snap := k.Snapshot()
				if snap.TotalChecks < snap.TotalSuccesses {
					errs <- "total_checks fell below total_successes"
					return
				}
				if snap.TotalChecks < prev {
					errs <- "total_checks went backwards"
					return
				}
				prev = snap.TotalChecks
			}
		}()
	}
	wg.Wait()

	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
	if k.Snapshot().TotalChecks < 2 {
		t.Fatal("loop should have ticked while readers ran")
	}
}

func TestRecorderSeesEveryCheck(t *testing.T) {
	rec := &captureRecorder{}
	fake := &fakeProber{}
	cfg := quietConfig()
	cfg.InitialDelay = 0
	cfg.Recorder = rec

	k := NewKeeper(cfg, fake)
	k.Start(context.Background())
	defer k.Stop()

	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 1 })
	if err := k.RequestCheck(); err != nil {
		t.Fatalf("RequestCheck: %v", err)
	}
	waitFor(t, time.Second, func() bool { return k.Snapshot().TotalChecks == 2 })

	rec.mu.Lock()
	got := len(rec.checks)
	rec.mu.Unlock()
	if got != 2 {
		t.Fatalf("recorded checks = %d, want 2", got)
	}
}
