// Package notify pushes user-facing alerts when the watchdog crosses a
// threshold a human should know about: recovery exhausted, session
// recovered, rotation results, loop start/stop. Routine check results
// stay in the log and the dashboard.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/watchdog"
)

// Condition classifies why a notification fired. Dedupe is keyed on it.
type Condition string

const (
	CondRecovered         Condition = "recovered"
	CondRecoveryExhausted Condition = "recovery_exhausted"
	CondRotation          Condition = "rotation"
	CondRotationFailed    Condition = "rotation_failed"
	CondKeeperState       Condition = "keeper_state"
	CondDailySummary      Condition = "daily_summary"
)

// Event is one user-facing notification.
type Event struct {
	Condition Condition
	Title     string
	Body      string
}

// Notifier delivers an event to one backend.
type Notifier interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to its notifiers. A failing backend is
// logged and skipped; it never blocks the others.
type Dispatcher struct {
	notifiers []Notifier

	mu   sync.Mutex
	seen map[Condition]string
}

// NewDispatcher creates a dispatcher over the given backends.
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		notifiers: notifiers,
		seen:      make(map[Condition]string),
	}
}

// Notify sends an event to every backend. A repeat of the same
// condition with the same body is dropped, so a state that stays bad
// across many ticks alerts once.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	d.mu.Lock()
	if d.seen[ev.Condition] == ev.Body {
		d.mu.Unlock()
		logging.Debugf("notify: suppressed repeat of %s", ev.Condition)
		return
	}
	d.seen[ev.Condition] = ev.Body
	d.mu.Unlock()

	for _, n := range d.notifiers {
		if err := n.Send(ctx, ev); err != nil {
			logging.Warnf("notify: %s failed on %s: %v", n.Name(), ev.Condition, err)
		}
	}
}

// reset clears the dedupe memory for a condition so its next event
// always notifies.
func (d *Dispatcher) reset(cond Condition) {
	d.mu.Lock()
	delete(d.seen, cond)
	d.mu.Unlock()
}

// Attach subscribes the dispatcher to the watchdog's event topics and
// returns a detach function.
func (d *Dispatcher) Attach(bus *events.Bus) func() {
	subs := []events.Subscription{
		events.Subscribe(bus, events.TopicRecovery, func(ctx context.Context, ev watchdog.RecoveryEvent) error {
			d.onRecovery(ctx, ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicRotation, func(ctx context.Context, ev watchdog.RotationEvent) error {
			d.onRotation(ctx, ev)
			return nil
		}),
		events.Subscribe(bus, events.TopicState, func(ctx context.Context, ev watchdog.StateChangeEvent) error {
			body := "Stopped watching the session."
			if ev.Running {
				body = "Started watching the session."
			}
			d.Notify(ctx, Event{Condition: CondKeeperState, Title: "Keeper", Body: body})
			return nil
		}),
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

func (d *Dispatcher) onRecovery(ctx context.Context, ev watchdog.RecoveryEvent) {
	// Per-attempt progress stays in the log and the dashboard; only
	// terminal states alert.
	if ev.Attempt != nil {
		return
	}

	switch ev.State {
	case watchdog.RecoverySuccess:
		d.reset(CondRecoveryExhausted)
		d.Notify(ctx, Event{
			Condition: CondRecovered,
			Title:     "Colab session recovered",
			Body:      fmt.Sprintf("Reconnected after %s.", plural(ev.Attempts, "attempt")),
		})
	case watchdog.RecoveryFailed:
		d.Notify(ctx, Event{
			Condition: CondRecoveryExhausted,
			Title:     "Colab recovery exhausted",
			Body:      fmt.Sprintf("Gave up after %s. The loop keeps checking.", plural(ev.Attempts, "attempt")),
		})
	}
}

func (d *Dispatcher) onRotation(ctx context.Context, ev watchdog.RotationEvent) {
	if ev.OK {
		d.Notify(ctx, Event{
			Condition: CondRotation,
			Title:     "Browser session rotated",
			Body:      fmt.Sprintf("Rotation %d completed.", ev.Count),
		})
		return
	}
	d.Notify(ctx, Event{
		Condition: CondRotationFailed,
		Title:     "Browser session rotation failed",
		Body:      ev.Detail,
	})
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
