// Package probe defines the contract between the watchdog engine and
// whatever drives the monitored Colab session. The engine never sees
// DOM details; it sees a Status and acts on it.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSessionClosed marks operations against a session that no longer
// exists (never opened, crashed tab, torn down by rotation). Recovery
// treats it as a cue to reopen rather than click.
var ErrSessionClosed = errors.New("probe: session closed")

// Status classifies what the prober saw on the page.
type Status string

const (
	// StatusConnected means the runtime is attached and working.
	StatusConnected Status = "connected"
	// StatusIdle means connected but Colab is showing its idle warning;
	// the session needs a nudge, not a reconnect.
	StatusIdle Status = "idle"
	// StatusDisconnected means the runtime dropped and a reconnect
	// control is visible.
	StatusDisconnected Status = "disconnected"
	// StatusLoginRequired means the page bounced to a sign-in wall.
	// The keeper cannot fix this (credential handling is out of scope);
	// it reports and keeps watching.
	StatusLoginRequired Status = "login_required"
	// StatusUnknown means the page didn't match any known marker.
	StatusUnknown Status = "unknown"
)

// Healthy reports whether the status counts as a successful check.
func (s Status) Healthy() bool {
	return s == StatusConnected || s == StatusIdle
}

// Result is the outcome of a single connectivity check.
type Result struct {
	Status    Status    `json:"status"`
	OK        bool      `json:"ok"`
	LatencyMS int64     `json:"latency_ms"`
	CheckedAt time.Time `json:"checked_at"`
	// Detail carries the marker that drove the classification, or the
	// error text on failure. Human-oriented only.
	Detail string `json:"detail,omitempty"`
}

// Prober drives the monitored session. Implementations own a single
// browser session; the watchdog loop is the only caller, so
// implementations may assume serialized access.
type Prober interface {
	// Open establishes the session: navigate to the target and arm the
	// in-page keep-alive. Called once at start and again after Close
	// during rotation.
	Open(ctx context.Context) error
	// Check classifies the current session state.
	Check(ctx context.Context) (Result, error)
	// Reconnect performs one reconnect gesture (clicking the connect
	// control). It does not verify; the caller re-Checks.
	Reconnect(ctx context.Context) error
	// Refresh reloads the page to reset Colab's idle timer.
	Refresh(ctx context.Context) error
	// RunAllCells re-executes the notebook.
	RunAllCells(ctx context.Context) error
	// Close tears the session down. Safe to call more than once.
	Close() error
}

// CheckError wraps a transient connectivity-check failure. The loop
// retries these through the recovery path; they are never fatal.
type CheckError struct {
	Op    string
	Cause error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Op, e.Cause)
}

func (e *CheckError) Unwrap() error {
	return e.Cause
}

// Errf builds a CheckError for the given operation.
func Errf(op string, cause error) error {
	return &CheckError{Op: op, Cause: cause}
}
