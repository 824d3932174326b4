// Package watchdog implements the keeper's engine: a single timer loop
// that checks the monitored session through a probe.Prober, repairs it
// with bounded retries when it drops, and publishes immutable state
// snapshots for concurrent readers. Nothing in this package terminates
// the process; every failure becomes a state update.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/probe"
)

// Config configures the Keeper. Interval, retry, and threshold fields
// fall back to the documented defaults when zero.
type Config struct {
	Interval              time.Duration // tick interval (default 150s)
	InitialDelay          time.Duration // delay before the first check
	MaxRetries            int           // reconnect attempts per recovery (default 10)
	RetryDelay            time.Duration // pause between attempts (default 10s)
	UnhealthyThreshold    int           // consecutive failures before /health flips (default 3)
	Adaptive              bool          // scale interval by success rate
	RunCellsAfterRecovery bool          // re-run notebook cells after reconnect
	RotationInterval      time.Duration // session rotation period, 0 disables

	Bus      *events.Bus // optional event fan-out
	Recorder Recorder    // optional audit sink
}

// Settings is the hot-reloadable subset of Config. Zero values leave
// the current setting untouched (Adaptive always applies).
type Settings struct {
	Interval           time.Duration
	RetryDelay         time.Duration
	MaxRetries         int
	UnhealthyThreshold int
	Adaptive           bool
}

// Recorder receives audit records synchronously from the loop, in loop
// order. Implementations must be fast; the history store batches
// nothing and the loop waits.
type Recorder interface {
	RecordCheck(res probe.Result)
	RecordAttempt(att Attempt)
}

var (
	// ErrNotRunning is returned for control requests against a halted loop.
	ErrNotRunning = errors.New("watchdog: not running")
	// ErrBusy is returned when a forced action is already pending.
	ErrBusy = errors.New("watchdog: action already pending")
	// ErrHalted is returned when shutdown interrupts an operation.
	ErrHalted = errors.New("watchdog: halted")
)

type kickKind int

const (
	kickCheck kickKind = iota + 1
	kickRotate
)

// Keeper owns the watchdog loop and the browser session behind it.
// The loop goroutine is the only writer of session state; everyone
// else reads published snapshots or sends requests through channels.
type Keeper struct {
	mu      sync.Mutex
	cfg     Config
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	prober   probe.Prober
	bus      *events.Bus
	recorder Recorder
	kicks    chan kickKind

	state sessionState
	snap  atomic.Pointer[Snapshot]
}

// NewKeeper creates a halted Keeper. Call Start to begin checking.
func NewKeeper(cfg Config, prober probe.Prober) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 150 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}

	k := &Keeper{
		cfg:      cfg,
		prober:   prober,
		bus:      cfg.Bus,
		recorder: cfg.Recorder,
		kicks:    make(chan kickKind, 1),
	}
	k.state.startedAt = time.Now().UTC()
	k.snap.Store(k.state.snapshot(false, cfg.RotationInterval))
	return k
}

// Start begins the loop. Idempotent: returns false if already running.
// The context bounds the loop's lifetime; cancelling it halts the loop
// just like Stop.
func (k *Keeper) Start(ctx context.Context) bool {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return false
	}
	k.stopCh = make(chan struct{})
	k.doneCh = make(chan struct{})
	k.running = true
	k.publishLocked()
	stop, done := k.stopCh, k.doneCh
	k.mu.Unlock()

	go k.run(ctx, stop, done)

	logging.Info("Watchdog started")
	events.Emit(k.bus, events.TopicState, StateChangeEvent{Running: true, At: time.Now().UTC()})
	return true
}

// Stop halts the loop and waits for it to exit. Idempotent: returns
// false if already halted. In-flight recovery delays are interrupted.
func (k *Keeper) Stop() bool {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return false
	}
	stop, done := k.stopCh, k.doneCh
	k.running = false
	k.mu.Unlock()

	close(stop)
	<-done

	k.mu.Lock()
	k.publishLocked()
	k.mu.Unlock()

	logging.Info("Watchdog stopped")
	events.Emit(k.bus, events.TopicState, StateChangeEvent{Running: false, At: time.Now().UTC()})
	return true
}

// Running reports whether the loop is active.
func (k *Keeper) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.running
}

// Snapshot returns the latest published session state. Safe for any
// number of concurrent callers and never blocks the loop.
func (k *Keeper) Snapshot() Snapshot {
	return *k.snap.Load()
}

// UnhealthyThreshold returns the live threshold for health reporting.
func (k *Keeper) UnhealthyThreshold() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.UnhealthyThreshold
}

// Unhealthy reports whether the failure streak exceeds the threshold.
func (k *Keeper) Unhealthy() bool {
	return k.Snapshot().ConsecutiveFailures > k.UnhealthyThreshold()
}

// ApplySettings installs hot-reloaded settings. Zero values keep the
// current value; the boolean applies unconditionally.
func (k *Keeper) ApplySettings(s Settings) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if s.Interval > 0 {
		k.cfg.Interval = s.Interval
	}
	if s.RetryDelay > 0 {
		k.cfg.RetryDelay = s.RetryDelay
	}
	if s.MaxRetries > 0 {
		k.cfg.MaxRetries = s.MaxRetries
	}
	if s.UnhealthyThreshold > 0 {
		k.cfg.UnhealthyThreshold = s.UnhealthyThreshold
	}
	k.cfg.Adaptive = s.Adaptive

	logging.Infof("Watchdog settings applied: interval=%s retry_delay=%s max_retries=%d threshold=%d adaptive=%v",
		k.cfg.Interval, k.cfg.RetryDelay, k.cfg.MaxRetries, k.cfg.UnhealthyThreshold, k.cfg.Adaptive)
}

// RequestCheck asks the loop to run a check now instead of waiting for
// the next tick. Non-blocking.
func (k *Keeper) RequestCheck() error {
	return k.kick(kickCheck)
}

// RequestRotate asks the loop to rotate the browser session now.
func (k *Keeper) RequestRotate() error {
	return k.kick(kickRotate)
}

func (k *Keeper) kick(kind kickKind) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.running {
		return ErrNotRunning
	}
	select {
	case k.kicks <- kind:
		return nil
	default:
		return ErrBusy
	}
}

func (k *Keeper) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	// Discard any kick that raced the shutdown so a stale forced
	// check or rotation does not fire on the next Start.
	defer func() {
		select {
		case <-k.kicks:
		default:
		}
	}()

	if delay := k.initialDelay(); delay > 0 {
		select {
		case <-ctx.Done():
			k.markStoppedByContext(stop)
			return
		case <-stop:
			return
		case <-time.After(delay):
		}
	}

	k.tick(ctx, stop)

	timer := time.NewTimer(k.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			k.markStoppedByContext(stop)
			return
		case <-stop:
			return
		case kind := <-k.kicks:
			switch kind {
			case kickCheck:
				k.tick(ctx, stop)
			case kickRotate:
				k.rotate(ctx, stop)
			}
			resetTimer(timer, k.nextInterval())
		case <-timer.C:
			k.tick(ctx, stop)
			timer.Reset(k.nextInterval())
		}
	}
}

// tick runs one check cycle. All probe failures, including panics, end
// up as state updates here; nothing escapes the loop.
func (k *Keeper) tick(ctx context.Context, stop chan struct{}) {
	res := k.safeCheck(ctx)

	k.state.observe(res)
	k.publish()
	k.recordCheck(res)
	events.Emit(k.bus, events.TopicCheck, CheckEvent{Result: res, Snapshot: k.Snapshot()})

	if res.OK {
		if res.Status == probe.StatusIdle {
			logging.Info("Session idle, refreshing page to reset the idle timer")
			if err := k.safeRefresh(ctx); err != nil {
				logging.Warnf("Idle refresh failed: %v", err)
			}
		}
		return
	}

	if res.Status == probe.StatusLoginRequired {
		// A sign-in wall is not recoverable by clicking; report and
		// keep watching.
		logging.Warn("Target requires sign-in; waiting for an authenticated profile")
		return
	}

	if err := k.recoverSession(ctx, stop); err != nil && !errors.Is(err, ErrHalted) {
		logging.Warnf("Session still down: %v", err)
	}
}

// rotate tears the browser session down and reopens it, then verifies
// with a regular tick. Used to stay under Colab's hard session cap.
func (k *Keeper) rotate(ctx context.Context, stop chan struct{}) {
	logging.Info("Rotating browser session")

	if err := k.safeClose(); err != nil {
		logging.Warnf("Rotation close failed: %v", err)
	}

	now := time.Now().UTC()
	if err := k.safeOpen(ctx); err != nil {
		logging.Errorf("Rotation reopen failed: %v", err)
		events.Emit(k.bus, events.TopicRotation, RotationEvent{
			OK:     false,
			Detail: err.Error(),
			Count:  k.state.rotationCount,
			At:     now,
		})
		// The verification tick below records the failure and runs
		// recovery, which reopens through the session-closed path.
	} else {
		k.state.lastRotatedAt = now
		k.state.rotationCount++
		k.publish()
		events.Emit(k.bus, events.TopicRotation, RotationEvent{
			OK:    true,
			Count: k.state.rotationCount,
			At:    now,
		})
		logging.Infof("Browser session rotated (#%d)", k.state.rotationCount)
	}

	k.tick(ctx, stop)
}

// safeCheck contains every probe failure mode, panics included, and
// normalizes the result so OK always agrees with the status.
func (k *Keeper) safeCheck(ctx context.Context) (res probe.Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("Probe panicked during check: %v", r)
			res = probe.Result{
				Status:    probe.StatusUnknown,
				CheckedAt: time.Now().UTC(),
				Detail:    fmt.Sprintf("probe panic: %v", r),
			}
		}
	}()

	got, err := k.prober.Check(ctx)
	if err != nil {
		cerr := probe.Errf("check", err)
		logging.Warnf("Connectivity check failed: %v", cerr)
		return probe.Result{
			Status:    probe.StatusUnknown,
			CheckedAt: time.Now().UTC(),
			Detail:    cerr.Error(),
		}
	}

	if got.CheckedAt.IsZero() {
		got.CheckedAt = time.Now().UTC()
	}
	got.OK = got.Status.Healthy()
	return got
}

func (k *Keeper) safeRefresh(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return k.prober.Refresh(ctx)
}

func (k *Keeper) safeOpen(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return k.prober.Open(ctx)
}

func (k *Keeper) safeRunAllCells(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return k.prober.RunAllCells(ctx)
}

func (k *Keeper) safeClose() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panic: %v", r)
		}
	}()
	return k.prober.Close()
}

// markStoppedByContext flips the running flag when the lifetime context
// ends the loop rather than an explicit Stop. The pointer comparison
// keeps a stale goroutine from clobbering a newer run.
func (k *Keeper) markStoppedByContext(stop chan struct{}) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running && k.stopCh == stop {
		k.running = false
		k.publishLocked()
	}
}

func (k *Keeper) publish() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.publishLocked()
}

func (k *Keeper) publishLocked() {
	k.snap.Store(k.state.snapshot(k.running, k.cfg.RotationInterval))
}

func (k *Keeper) initialDelay() time.Duration {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.InitialDelay
}

func (k *Keeper) nextInterval() time.Duration {
	k.mu.Lock()
	base := k.cfg.Interval
	adaptive := k.cfg.Adaptive
	k.mu.Unlock()

	if !adaptive {
		return base
	}
	return scaleInterval(base, k.state.successRate())
}

func (k *Keeper) retryPolicy() (int, time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.MaxRetries, k.cfg.RetryDelay
}

func (k *Keeper) runCellsAfterRecovery() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cfg.RunCellsAfterRecovery
}

func (k *Keeper) recordCheck(res probe.Result) {
	if k.recorder != nil {
		k.recorder.RecordCheck(res)
	}
}

func (k *Keeper) recordAttempt(att Attempt) {
	if k.recorder != nil {
		k.recorder.RecordAttempt(att)
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
