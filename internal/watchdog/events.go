package watchdog

import (
	"time"

	"github.com/neboloop/keeper/internal/probe"
)

// CheckEvent is published on events.TopicCheck after every loop tick.
type CheckEvent struct {
	Result   probe.Result `json:"result"`
	Snapshot Snapshot     `json:"snapshot"`
}

// RecoveryEvent is published on events.TopicRecovery once per attempt
// and once more when the invocation reaches a terminal state. Attempt
// is nil on the terminal event.
type RecoveryEvent struct {
	InvocationID string        `json:"invocation_id"`
	State        RecoveryState `json:"state"`
	Attempt      *Attempt      `json:"attempt,omitempty"`
	Attempts     int           `json:"attempts"`
	At           time.Time     `json:"at"`
}

// StateChangeEvent is published on events.TopicState when the loop
// starts or stops.
type StateChangeEvent struct {
	Running bool      `json:"running"`
	At      time.Time `json:"at"`
}

// RotationEvent is published on events.TopicRotation after each
// rotation, successful or not.
type RotationEvent struct {
	OK     bool      `json:"ok"`
	Detail string    `json:"detail,omitempty"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`
}
